package fsm

import (
	"testing"

	"github.com/denser/pbuffer/internal/backend"
)

func TestInitialRouting(t *testing.T) {
	f := New(Database)
	if f.WriteDest() != backend.Database {
		t.Fatal("database state must write to database")
	}
	if f.ReadSource() != backend.Database {
		t.Fatal("database state must read from database")
	}
}

func TestDatabaseDrainedTransitionsToDatabaseToMemory(t *testing.T) {
	f := New(Database)
	f.DatabaseDrained()
	if f.State() != DatabaseToMemory {
		t.Fatalf("state = %v, want DatabaseToMemory", f.State())
	}
	if f.WriteDest() != backend.Memory {
		t.Fatal("database->memory must write to memory")
	}
	if f.ReadSource() != backend.Database {
		t.Fatal("database->memory must still read from database")
	}
}

func TestReadyForMemoryCompletesTransition(t *testing.T) {
	f := New(Database)
	f.DatabaseDrained()
	f.ReadyForMemory()
	if f.State() != Memory {
		t.Fatalf("state = %v, want Memory", f.State())
	}
	if f.ReadSource() != backend.Memory || f.WriteDest() != backend.Memory {
		t.Fatal("memory state must read and write memory")
	}
}

func TestMemoryPressureTransitionsToMemoryToDatabase(t *testing.T) {
	f := New(Memory)
	f.MemoryPressure()
	if f.State() != MemoryToDatabase {
		t.Fatalf("state = %v, want MemoryToDatabase", f.State())
	}
	if f.WriteDest() != backend.Database {
		t.Fatal("memory->database must write to database")
	}
	if f.ReadSource() != backend.Memory {
		t.Fatal("memory->database must still read from memory")
	}
}

func TestMemoryDrainedCompletesTransition(t *testing.T) {
	f := New(Memory)
	f.MemoryPressure()
	f.MemoryDrained()
	if f.State() != Database {
		t.Fatalf("state = %v, want Database", f.State())
	}
}

func TestChangesNumCountsOnlyTerminalStateExits(t *testing.T) {
	f := New(Database)
	if f.ChangesNum() != 0 {
		t.Fatal("fresh fsm must start at 0 changes")
	}
	f.DatabaseDrained() // leaves terminal Database -> counts
	if f.ChangesNum() != 1 {
		t.Fatalf("changes = %d, want 1", f.ChangesNum())
	}
	f.ReadyForMemory() // leaves transitional DatabaseToMemory -> does not count
	if f.ChangesNum() != 1 {
		t.Fatalf("changes = %d, want 1 (transitional exit must not count)", f.ChangesNum())
	}
	f.MemoryPressure() // leaves terminal Memory -> counts
	if f.ChangesNum() != 2 {
		t.Fatalf("changes = %d, want 2", f.ChangesNum())
	}
}

func TestNoOpTransitionsFromWrongState(t *testing.T) {
	f := New(Database)
	f.MemoryPressure() // only valid from Memory
	if f.State() != Database {
		t.Fatalf("state = %v, want unchanged Database", f.State())
	}
	if f.ChangesNum() != 0 {
		t.Fatal("a no-op transition must not count as a change")
	}
}

func TestDisablePinsToDatabaseWithoutCountingFromTransitional(t *testing.T) {
	f := New(Memory)
	f.MemoryPressure()
	f.Disable()
	if f.State() != Database {
		t.Fatalf("state = %v, want Database", f.State())
	}
	if f.ChangesNum() != 1 {
		t.Fatalf("changes = %d, want 1 (only the Memory exit counts, not the exit from MemoryToDatabase)", f.ChangesNum())
	}
}

func TestFallbackToDatabase(t *testing.T) {
	f := New(Memory)
	f.FallbackToDatabase()
	if f.State() != Database {
		t.Fatalf("state = %v, want Database", f.State())
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Database:         "database",
		DatabaseToMemory: "database->memory",
		Memory:           "memory",
		MemoryToDatabase: "memory->database",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("%v.String() = %q, want %q", state, got, want)
		}
	}
}
