package pal

import "testing"

func TestInterfaceIsSatisfiedByUnix(t *testing.T) {
	var _ Interface = Unix{}
}
