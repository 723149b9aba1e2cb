package audit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockChain(t *testing.T) (*SQLChain, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	c := NewSQLChain(db, DialectPostgres)
	c.backoff = 0
	return c, mock
}

const (
	selectHead = `SELECT seq, hash FROM chain_heads WHERE chain = $1`
	insertHead = `INSERT INTO chain_heads (chain, seq, hash) VALUES ($1, $2, $3) ON CONFLICT (chain) DO NOTHING`
	updateHead = `UPDATE chain_heads SET seq = $1, hash = $2 WHERE chain = $3 AND hash = $4`
	insertEvt  = `INSERT INTO audit_events (chain, seq, id, ts, outcome, body, prev_hash, hash) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
)

func TestRebindPostgres(t *testing.T) {
	c := NewSQLChain(nil, DialectPostgres)
	got := c.rebind(`UPDATE t SET a = ?, b = ? WHERE c = ?`)
	if got != `UPDATE t SET a = $1, b = $2 WHERE c = $3` {
		t.Fatalf("unexpected rebind: %s", got)
	}
	s := NewSQLChain(nil, DialectSQLite)
	if s.rebind(`a = ?`) != `a = ?` {
		t.Fatal("sqlite queries must keep ? placeholders")
	}
}

func TestSQLChainFirstAppendInsertsHead(t *testing.T) {
	c, mock := newMockChain(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectHead)).
		WithArgs(testKey).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}))
	mock.ExpectExec(regexp.QuoteMeta(insertHead)).
		WithArgs(testKey, int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertEvt)).
		WithArgs(testKey, int64(1), "evt-1", sqlmock.AnyArg(), "success", sqlmock.AnyArg(), GenesisHash, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stored, err := c.Append(context.Background(), testKey, testEvent(OutcomeSuccess))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if stored.PrevHash != GenesisHash {
		t.Fatalf("expected genesis prev_hash, got %s", stored.PrevHash)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLChainRetriesWhenHeadMoves(t *testing.T) {
	c, mock := newMockChain(t)
	const stale = "sha256:stale"
	const fresh = "sha256:fresh"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectHead)).
		WithArgs(testKey).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}).AddRow(3, stale))
	mock.ExpectExec(regexp.QuoteMeta(updateHead)).
		WithArgs(int64(4), sqlmock.AnyArg(), testKey, stale).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectHead)).
		WithArgs(testKey).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}).AddRow(4, fresh))
	mock.ExpectExec(regexp.QuoteMeta(updateHead)).
		WithArgs(int64(5), sqlmock.AnyArg(), testKey, fresh).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertEvt)).
		WithArgs(testKey, int64(5), "evt-1", sqlmock.AnyArg(), "success", sqlmock.AnyArg(), fresh, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stored, err := c.Append(context.Background(), testKey, testEvent(OutcomeSuccess))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if stored.PrevHash != fresh {
		t.Fatalf("expected event linked to the moved head, got %s", stored.PrevHash)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLChainConflictAfterRetries(t *testing.T) {
	c, mock := newMockChain(t)
	c.maxRetries = 1

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(selectHead)).
			WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}).AddRow(1, "sha256:x"))
		mock.ExpectExec(regexp.QuoteMeta(updateHead)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()
	}

	_, err := c.Append(context.Background(), testKey, testEvent(OutcomeSuccess))
	if !errors.Is(err, ErrChainConflict) {
		t.Fatalf("expected ErrChainConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLChainInsertFailureRollsBack(t *testing.T) {
	c, mock := newMockChain(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(selectHead)).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}))
	mock.ExpectExec(regexp.QuoteMeta(insertHead)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(insertEvt)).
		WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	_, err := c.Append(context.Background(), testKey, testEvent(OutcomeSuccess))
	if err == nil {
		t.Fatal("expected insert failure to surface")
	}
	if errors.Is(err, ErrChainConflict) {
		t.Fatal("insert failure is not a conflict")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSQLChainEventsDecodesBodies(t *testing.T) {
	c, mock := newMockChain(t)

	e, err := link(testEvent(OutcomeBlocked), testKey, GenesisHash)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := jsonString(e)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT body FROM audit_events WHERE chain = $1 ORDER BY seq`)).
		WithArgs(testKey).
		WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(body))

	events, err := c.Events(context.Background(), testKey)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Hash != e.Hash {
		t.Fatalf("unexpected events %+v", events)
	}
	if res := Verify(events); !res.Valid {
		t.Fatalf("decoded chain invalid: %s", res.Error)
	}
}

func openTestSQLite(t *testing.T) *SQLChain {
	t.Helper()
	c, err := OpenSQLite(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestSQLiteChainRoundTrip(t *testing.T) {
	c := openTestSQLite(t)
	appendN(t, c, "tenant:a", 4)
	appendN(t, c, "global", 2)

	results, err := VerifyAll(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 chains, got %d", len(results))
	}
	if results[0].Chain != "global" || results[0].Events != 2 {
		t.Fatalf("unexpected global chain result %+v", results[0])
	}
	if results[1].Chain != "tenant:a" || results[1].Events != 4 {
		t.Fatalf("unexpected tenant chain result %+v", results[1])
	}
	for _, r := range results {
		if !r.Valid {
			t.Fatalf("chain %s invalid: %s", r.Chain, r.Error)
		}
	}
}

func TestSQLiteChainConcurrentAppends(t *testing.T) {
	c := openTestSQLite(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e := testEvent(OutcomeSuccess)
			e.ID = fmt.Sprintf("evt-%d", n)
			if _, err := c.Append(context.Background(), testKey, e); err != nil {
				t.Errorf("append %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	res, err := VerifyChain(context.Background(), c, testKey)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Valid || res.Events != 20 {
		t.Fatalf("expected 20 valid events, got %+v", res)
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("  "); err == nil {
		t.Fatal("expected error for empty path")
	}
}
