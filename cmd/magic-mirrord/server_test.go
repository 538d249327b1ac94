package main

import (
	"errors"
	"testing"
)

func TestFailedCompositorStartReturnsTheConstructionError(t *testing.T) {
	wantErr := errors.New("gpu pipeline: boom")
	fc := failedCompositor{err: wantErr}

	if err := fc.Start(0); !errors.Is(err, wantErr) {
		t.Fatalf("Start() = %v, want %v", err, wantErr)
	}

	// Stop and Wait must be safe no-ops: the Session Manager calls them
	// unconditionally when tearing a session down, regardless of
	// whether Start ever succeeded.
	fc.Stop(0)
	fc.Wait()
}
