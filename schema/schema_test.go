package schema

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type tickA struct {
	Seq   uint64
	Price int64
}

type tickAReordered struct {
	Price int64
	Seq   uint64
}

type tickB struct {
	Seq   uint64
	Price int64
	Qty   int64
}

func TestHashIsStableAcrossCalls(t *testing.T) {
	require.Equal(t, Hash[tickA](), Hash[tickA]())
}

func TestHashDiffersOnFieldOrder(t *testing.T) {
	require.NotEqual(t, Hash[tickA](), Hash[tickAReordered]())
}

func TestHashDiffersOnAddedField(t *testing.T) {
	require.NotEqual(t, Hash[tickA](), Hash[tickB]())
}

func TestDescribeIsDiffableOnMismatch(t *testing.T) {
	a := Describe[tickA]()
	b := Describe[tickB]()
	if diff := cmp.Diff(a, b); diff == "" {
		t.Fatal("expected a diff between tickA and tickB schema descriptions")
	}
}

func TestEmptyHasNoFields(t *testing.T) {
	require.Equal(t, "struct Empty size=0 {}", Describe[Empty]())
}
