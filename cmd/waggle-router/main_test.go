package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/waggle-router/internal/auth"
	"github.com/rmacdonaldsmith/waggle-router/internal/codec"
	"github.com/rmacdonaldsmith/waggle-router/internal/codec/codectest"
	"github.com/rmacdonaldsmith/waggle-router/pkg/envelope"
	"github.com/rmacdonaldsmith/waggle-router/pkg/routing"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd := newRootCommand()
	out := &bytes.Buffer{}
	rootCmd.SetOut(out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeMessage(t *testing.T, e ...envelope.Envelope) string {
	t.Helper()
	c := codec.New(codec.DefaultOptions())
	path := filepath.Join(t.TempDir(), "message.cbor")
	require.NoError(t, os.WriteFile(path, codectest.MustEncodeEnvelopes(t, c, e...), 0o644))
	return path
}

func TestMainCommandHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)

	for _, name := range []string{"run", "route", "table", "token", "version"} {
		assert.Contains(t, out, name)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "waggle-router v0.1.0\n", out)
}

func TestRouteCommand_Beehive(t *testing.T) {
	path := writeMessage(t,
		envelope.Envelope{ReceiverSubID: "00000000000000ee"},
		envelope.Envelope{ReceiverSubID: "00000000000000ff"},
	)

	out, err := execute(t, "route", "--mode", "beehive", path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], routing.ToNode("00000000000000ee")+"\t"))
	assert.True(t, strings.HasPrefix(lines[1], routing.ToNode("00000000000000ff")+"\t"))
}

func TestRouteCommand_StampsIdentity(t *testing.T) {
	c := codec.New(codec.DefaultOptions())
	body := codectest.MustEncodeUnits(t, c, envelope.Unit{Body: []byte("reading")})
	path := writeMessage(t, envelope.Envelope{ReceiverSubID: "0000000000000007", Body: body})
	outDir := t.TempDir()

	out, err := execute(t, "route", "--mode", "plugin",
		"--identity", "plugin-5-1.3-2",
		"--node-id", "abc", "--device-id", "1",
		"--out", outDir, path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, routing.ToPlugin(5, 1, 2)+"\t"), out)

	files, err := os.ReadDir(outDir)
	require.NoError(t, err)
	require.Len(t, files, 1)

	data, err := os.ReadFile(filepath.Join(outDir, files[0].Name()))
	require.NoError(t, err)
	out2 := codectest.MustDecodeEnvelopes(t, c, data)
	require.Len(t, out2, 1)
	assert.Equal(t, envelope.ID("0000000000000abc"), out2[0].SenderID)
	assert.Equal(t, envelope.ID("0000000000000001"), out2[0].SenderSubID)
}

func TestRouteCommand_Errors(t *testing.T) {
	path := writeMessage(t, envelope.Envelope{})

	_, err := execute(t, "route", "--mode", "none", path)
	assert.Error(t, err)

	_, err = execute(t, "route", "--mode", "table", path)
	assert.ErrorContains(t, err, "--table")

	_, err = execute(t, "route", "--identity", "not-a-plugin", path)
	assert.ErrorContains(t, err, "validate")

	garbage := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte{0xff, 0x00, 0x13}, 0o644))
	_, err = execute(t, "route", garbage)
	assert.Error(t, err)
}

func TestTableCommands(t *testing.T) {
	db := filepath.Join(t.TempDir(), "table.db")

	_, err := execute(t, "table", "admit", "--path", db, "EE", "--note", "lab node")
	require.NoError(t, err)
	_, err = execute(t, "table", "admit", "--path", db, "0000000000000001")
	require.NoError(t, err)

	out, err := execute(t, "table", "list", "--path", db)
	require.NoError(t, err)
	assert.Equal(t, "0000000000000001\n00000000000000ee\n", out)

	// Only envelopes for admitted receivers are forwarded in table mode.
	path := writeMessage(t,
		envelope.Envelope{ReceiverID: "00000000000000ee", ReceiverSubID: "0000000000000002"},
		envelope.Envelope{ReceiverID: "00000000000000aa", ReceiverSubID: "0000000000000003"},
	)
	out, err = execute(t, "route", "--mode", "table", "--table", db, path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasPrefix(lines[0], routing.ToNode("0000000000000002")+"\t"))

	_, err = execute(t, "table", "revoke", "--path", db, "ee")
	require.NoError(t, err)
	out, err = execute(t, "table", "list", "--path", db)
	require.NoError(t, err)
	assert.Equal(t, "0000000000000001\n", out)

	_, err = execute(t, "table", "admit", "--path", db, "not-hex")
	assert.Error(t, err)
	_, err = execute(t, "table", "list")
	assert.Error(t, err, "path is required")
}

func TestTokenCommand(t *testing.T) {
	out, err := execute(t, "token", "--secret", "s3cret", "--subject", "plugin-1-2.0-3")
	require.NoError(t, err)

	claims, err := auth.NewJWTAuth("s3cret", 0).Authorize(strings.TrimSpace(out), auth.RolePlugin)
	require.NoError(t, err)
	assert.Equal(t, "plugin-1-2.0-3", claims.Subject)

	out, err = execute(t, "token", "--secret", "s3cret", "--role", "node", "--subject", "ABC")
	require.NoError(t, err)
	claims, err = auth.NewJWTAuth("s3cret", 0).Authorize(strings.TrimSpace(out), auth.RoleNode)
	require.NoError(t, err)
	assert.Equal(t, "0000000000000abc", claims.Subject)

	_, err = execute(t, "token", "--secret", "s3cret", "--subject", "plugin-1-2-3")
	assert.Error(t, err)
	_, err = execute(t, "token", "--secret", "s3cret", "--subject", "plugin-1-2-3", "--minor-optional")
	assert.NoError(t, err)
	_, err = execute(t, "token", "--secret", "s3cret", "--role", "root", "--subject", "x")
	assert.Error(t, err)
}

func TestTokenCommand_SecretFromEnvironment(t *testing.T) {
	t.Setenv("WAGGLE_SECRET_KEY", "")
	_, err := execute(t, "token", "--subject", "ops", "--role", "admin")
	assert.ErrorContains(t, err, "secret")

	t.Setenv("WAGGLE_SECRET_KEY", "from-env")
	out, err := execute(t, "token", "--subject", "ops", "--role", "admin")
	require.NoError(t, err)
	_, err = auth.NewJWTAuth("from-env", 0).Authorize(strings.TrimSpace(out), auth.RoleAdmin)
	assert.NoError(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: ee\nmode: node\n"), 0o644))

	cfg, err := loadConfig(path, "debug")
	require.NoError(t, err)
	assert.Equal(t, "00000000000000ee", cfg.NodeID)
	assert.Equal(t, "debug", cfg.Log.Level)

	_, err = loadConfig(path, "loud")
	assert.Error(t, err)
}

func TestRunCommand_RejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: sideways\n"), 0o644))

	_, err := execute(t, "run", "--config", path)
	assert.Error(t, err)
}

