package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakuramed/safeguard/internal/safety"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory("test-anchor")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRecord(op string, level safety.RiskLevel) Record {
	return Record{
		UserID:           "doctor-001",
		Operation:        op,
		RiskLevel:        level,
		ActionTaken:      safety.ActionAllow,
		ConfidenceScore:  0.9,
		ProcessingTimeMs: 12,
		OriginalDigest:   TextDigest("original"),
		ProcessedDigest:  TextDigest("processed"),
	}
}

func TestAppendLinksChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.Append(ctx, sampleRecord("safety_check", safety.RiskLow))
	require.NoError(t, err)
	second, err := s.Append(ctx, sampleRecord("safety_check", safety.RiskHigh))
	require.NoError(t, err)

	assert.Equal(t, GenesisHash("test-anchor"), first.PreviousHash)
	assert.Equal(t, first.AuditHash, second.PreviousHash)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)
	assert.NotEmpty(t, first.ID)
	assert.NotEqual(t, first.AuditHash, second.AuditHash)
}

func TestHeadSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/audit.db"

	s, err := Open(path, "test-anchor")
	require.NoError(t, err)
	last, err := s.Append(context.Background(), sampleRecord("safety_check", safety.RiskLow))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(path, "test-anchor")
	require.NoError(t, err)
	defer reopened.Close()

	next, err := reopened.Append(context.Background(), sampleRecord("safety_check", safety.RiskMedium))
	require.NoError(t, err)
	assert.Equal(t, last.AuditHash, next.PreviousHash)
	assert.Equal(t, last.Seq+1, next.Seq)
}

func TestListNewestFirstWithFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, sampleRecord("safety_check", safety.RiskLow))
	require.NoError(t, err)
	_, err = s.Append(ctx, sampleRecord("diagnosis_assist", safety.RiskHigh))
	require.NoError(t, err)
	_, err = s.Append(ctx, sampleRecord("generate_summary", safety.RiskHigh))
	require.NoError(t, err)

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "generate_summary", all[0].Operation)
	assert.Equal(t, "safety_check", all[2].Operation)

	high, err := s.List(ctx, Filter{RiskLevel: safety.RiskHigh})
	require.NoError(t, err)
	require.Len(t, high, 2)
	for _, e := range high {
		assert.Equal(t, safety.RiskHigh, e.RiskLevel)
	}

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	future, err := s.List(ctx, Filter{DateFrom: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, future)
}

func TestListDateBoundsAreChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry, err := s.Append(ctx, sampleRecord("safety_check", safety.RiskLow))
	require.NoError(t, err)

	// A second-resolution lower bound must include entries recorded within
	// that same second, whatever their fractional precision.
	got, err := s.List(ctx, Filter{DateFrom: entry.Timestamp.Truncate(time.Second)})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.List(ctx, Filter{DateFrom: entry.Timestamp.Add(time.Second)})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = s.List(ctx, Filter{
		DateFrom: entry.Timestamp.Truncate(time.Second),
		DateTo:   entry.Timestamp.Truncate(time.Second).Add(time.Second),
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestVerifyCleanChain(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, sampleRecord("safety_check", safety.RiskLow))
		require.NoError(t, err)
	}

	res, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 5, res.EntriesVerified)
	assert.Empty(t, res.Breaks)
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Append(ctx, sampleRecord("safety_check", safety.RiskLow))
	require.NoError(t, err)
	tampered, err := s.Append(ctx, sampleRecord("safety_check", safety.RiskHigh))
	require.NoError(t, err)
	_, err = s.Append(ctx, sampleRecord("safety_check", safety.RiskLow))
	require.NoError(t, err)

	_, err = s.db.Exec(`UPDATE audit_entries SET confidence_score = 0.1 WHERE id = ?`, tampered.ID)
	require.NoError(t, err)

	res, err := s.Verify(ctx)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.NotEmpty(t, res.Breaks)
}

func TestAppendFailureIsAuditWriteFailure(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Close())

	_, err := s.Append(context.Background(), sampleRecord("safety_check", safety.RiskLow))
	require.Error(t, err)
	assert.Equal(t, safety.KindAuditWriteFailure, safety.KindOf(err))
}

func TestTextDigestStableAndDistinct(t *testing.T) {
	a := TextDigest("患者の田中太郎さん")
	b := TextDigest("患者の田中太郎さん")
	c := TextDigest("別のテキスト")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
