package console

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAppendFlagsAlternatePathAsDuplicateNotSuppressed(t *testing.T) {
	f := NewFeed()
	t0 := time.Unix(0, 0)

	l1 := f.Append(KindPacket, t0, "N0CALL", "APRS", "Hello World", []string{"WIDE1-1"})
	l2 := f.Append(KindPacket, t0.Add(2*time.Second), "N0CALL", "APRS", "hello world", []string{"WIDE2-1"})

	assert.False(t, l1.IsDuplicate)
	assert.True(t, l2.IsDuplicate)
	assert.Len(t, f.Lines(), 2, "duplicates are flagged, never suppressed")
}

func TestAppendOutsideWindowIsNotDuplicate(t *testing.T) {
	f := NewFeed()
	t0 := time.Unix(0, 0)

	f.Append(KindPacket, t0, "N0CALL", "APRS", "ping", []string{"WIDE1-1"})
	l2 := f.Append(KindPacket, t0.Add(10*time.Second), "N0CALL", "APRS", "ping", []string{"WIDE2-1"})

	assert.False(t, l2.IsDuplicate)
}

func TestSamePathIsNotFlaggedDuplicate(t *testing.T) {
	f := NewFeed()
	t0 := time.Unix(0, 0)

	f.Append(KindPacket, t0, "N0CALL", "APRS", "ping", []string{"WIDE1-1"})
	l2 := f.Append(KindPacket, t0.Add(time.Second), "N0CALL", "APRS", "ping", []string{"WIDE1-1"})

	assert.False(t, l2.IsDuplicate)
}
