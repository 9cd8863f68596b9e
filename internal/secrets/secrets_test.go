package secrets

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/r3e-faas-sub003/internal/errs"
	"github.com/R3E-Network/r3e-faas-sub003/internal/store"
)

type recordingAudit struct{ entries []AuditEntry }

func (r *recordingAudit) Record(_ context.Context, e AuditEntry) { r.entries = append(r.entries, e) }

func newTestManager(t *testing.T) (*Manager, *recordingAudit) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "s.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	audit := &recordingAudit{}
	m, err := NewManager(st, []byte("0123456789abcdef0123456789abcdef"), audit)
	require.NoError(t, err)
	return m, audit
}

func TestPutGetRoundTrip(t *testing.T) {
	m, audit := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "alice", "api_key", "s3cr3t"))

	got, err := m.Get(ctx, "alice", "api_key", "svc-functions")
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", got)
	require.True(t, audit.entries[len(audit.entries)-1].Success)
}

func TestGetMissingIsNotFound(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Get(context.Background(), "bob", "missing", "svc")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDifferentOwnersUseDifferentKeys(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.Put(ctx, "alice", "k", "v1"))
	require.NoError(t, m.Put(ctx, "bob", "k", "v2"))

	a, err := m.Get(ctx, "alice", "k", "svc")
	require.NoError(t, err)
	require.Equal(t, "v1", a)

	b, err := m.Get(ctx, "bob", "k", "svc")
	require.NoError(t, err)
	require.Equal(t, "v2", b)
}
