package tippingpoint

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoopClientReturnsSentinel(t *testing.T) {
	got, err := (NoopClient{}).Lookup(context.Background(), "anything")
	require.NoError(t, err)
	require.Equal(t, NoMatch, got)
}

// CondenseSignature must be a pure function of the response text alone
// (spec.md §8 testable property 5), so equal responses always condense
// to the same signature regardless of what question produced them.
func TestCondenseSignatureDeterministicAcrossQueries(t *testing.T) {
	response := "Carbon pricing mechanisms have expanded rapidly. The EU's CBAM now covers steel, cement, and aluminum imports. Analysts expect further sector expansion by 2030. This has driven major shifts in trade compliance costs. Developing economies have raised concerns about competitiveness."

	sigForQueryA := CondenseSignature(response)
	sigForQueryB := CondenseSignature(response)
	require.Equal(t, sigForQueryA, sigForQueryB)
}

func TestCondenseSignatureBounded(t *testing.T) {
	response := strings.Repeat("This is a long sentence about climate policy and carbon markets. ", 50)
	sig := CondenseSignature(response)
	require.LessOrEqual(t, len(sig), MaxSignatureChars)
}

func TestCondenseSignatureEmptyInput(t *testing.T) {
	require.Equal(t, "", CondenseSignature(""))
}

func TestCondenseSignatureStripsFiller(t *testing.T) {
	response := "The policy is the result of the negotiation and the compromise between the parties."
	sig := CondenseSignature(response)
	require.False(t, strings.Contains(strings.ToLower(sig), " the "))
}

func TestCondenseSignatureSkipsLeadingAndTrailingThirds(t *testing.T) {
	response := "FIRSTSENTINEL starts things off. Middle content about emissions trading follows here. LASTSENTINEL wraps things up at the very end."
	sig := CondenseSignature(response)
	require.False(t, strings.Contains(sig, "FIRSTSENTINEL"))
	require.False(t, strings.Contains(sig, "LASTSENTINEL"))
}
