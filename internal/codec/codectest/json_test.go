package codectest

import "testing"

func TestJSON_Contract(t *testing.T) {
	RunContract(t, JSON{})
}
