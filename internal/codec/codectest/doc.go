// Package codectest provides the round-trip contract every envelope.Codec
// must pass, and a JSON codec used as a test double by packages that do not
// want to depend on the production wire format.
package codectest
