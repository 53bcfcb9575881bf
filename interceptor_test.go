package querycache

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/querycache/querycache/cache"
	"github.com/querycache/querycache/mocks"
	"github.com/querycache/querycache/policy"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	assert := require.New(t)

	// failure cases
	inputs := []*Config{
		nil,
		{},
	}
	for _, input := range inputs {
		i, err := NewInterceptor(input)
		assert.Nil(i)
		assert.NotNil(err)
	}

	// success
	i, err := NewInterceptor(&Config{
		Cache: new(mocks.Cacher),
	})
	assert.NotNil(i)
	assert.Nil(err)

	// stats
	s := i.Stats()
	assert.NotNil(s)
	assert.Equal(s.Hits, uint64(0))
	assert.Equal(s.Misses, uint64(0))
	assert.Equal(s.Invalidations, uint64(0))
}

func newTestDB(t *testing.T, assert *require.Assertions, ic *Interceptor) (*sql.DB, sqlmock.Sqlmock) {
	dsn := fmt.Sprintf("fakeDSN:%s", t.Name())
	mockDB, qMock, err := sqlmock.NewWithDSN(dsn)
	assert.Nil(err)
	t.Cleanup(func() { mockDB.Close() })

	driverName := fmt.Sprintf("mockdriver:%s", t.Name())
	sql.Register(driverName, ic.Driver(mockDB.Driver()))

	db, err := sql.Open(driverName, dsn)
	assert.Nil(err)
	t.Cleanup(func() { db.Close() })

	return db, qMock
}

func runQuery(t *testing.T, assert *require.Assertions, qMock sqlmock.Sqlmock, db *sql.DB, query string, cacheMissExpected bool) {
	if cacheMissExpected {
		qMock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs(18).
			WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("John").AddRow("Lisa"))
	}

	rows, err := db.QueryContext(context.Background(), query, 18)
	assert.Nil(err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		assert.Nil(rows.Scan(&name))
		names = append(names, name)
	}

	assert.Equal([]string{"John", "Lisa"}, names)
	assert.Nil(qMock.ExpectationsWereMet())
}

func runQueryPrepared(t *testing.T, assert *require.Assertions, qMock sqlmock.Sqlmock, db *sql.DB, query string, cacheMissExpected bool) {
	qMock.ExpectPrepare(regexp.QuoteMeta(query))
	if cacheMissExpected {
		qMock.ExpectQuery(regexp.QuoteMeta(query)).WithArgs(18).
			WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("John").AddRow("Lisa"))
	}

	stmt, err := db.PrepareContext(context.Background(), query)
	assert.Nil(err)

	rows, err := stmt.QueryContext(context.Background(), 18)
	assert.Nil(err)
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		assert.Nil(rows.Scan(&name))
		names = append(names, name)
	}

	assert.Equal([]string{"John", "Lisa"}, names)
	assert.Nil(qMock.ExpectationsWereMet())
}

func TestDirectivePolicy(t *testing.T) {
	assert := require.New(t)

	query := "-- EFCachePolicy Absolute|30s\nSELECT name FROM users WHERE age > ?"

	// dependencies were not named in the directive, so the entry is tagged
	// with the command's own table names
	policyMatch := mock.MatchedBy(func(p *policy.CachePolicy) bool {
		return p.ExpirationMode == policy.Absolute &&
			p.Timeout == 30*time.Second &&
			len(p.Dependencies) == 1 &&
			strings.EqualFold(p.Dependencies[0], "users")
	})

	mCacher := new(mocks.Cacher)
	for i := 0; i < 2; i++ { // once each for runQuery and runQueryPrepared
		mCacher.On("Get", mock.Anything, mock.Anything).Return(nil, false, nil)
		mCacher.On("Set", mock.Anything, mock.Anything, mock.Anything, policyMatch).Return(nil)
	}

	ic, err := NewInterceptor(&Config{Cache: mCacher})
	assert.Nil(err)
	db, qMock := newTestDB(t, assert, ic)

	cacheMissExpected := true
	runQuery(t, assert, qMock, db, query, cacheMissExpected)
	runQueryPrepared(t, assert, qMock, db, query, cacheMissExpected)

	assert.True(mCacher.AssertExpectations(t))
	assert.Equal(uint64(2), ic.Stats().Misses)
}

func TestNoPolicyPassthrough(t *testing.T) {
	assert := require.New(t)

	// no directive, no active global tier: the cacher must never be touched
	mCacher := new(mocks.Cacher)
	ic, err := NewInterceptor(&Config{Cache: mCacher})
	assert.Nil(err)
	db, qMock := newTestDB(t, assert, ic)

	query := "SELECT name FROM users WHERE age > ?"
	cacheMissExpected := true
	runQuery(t, assert, qMock, db, query, cacheMissExpected)
	runQueryPrepared(t, assert, qMock, db, query, cacheMissExpected)

	assert.True(mCacher.AssertExpectations(t))
	assert.Equal(uint64(0), ic.Stats().Misses)
}

func TestCacheAllTier(t *testing.T) {
	assert := require.New(t)

	policyMatch := mock.MatchedBy(func(p *policy.CachePolicy) bool {
		return p.ExpirationMode == policy.Sliding && p.Timeout == time.Minute
	})

	mCacher := new(mocks.Cacher)
	for i := 0; i < 2; i++ {
		mCacher.On("Get", mock.Anything, mock.Anything).Return(nil, false, nil)
		mCacher.On("Set", mock.Anything, mock.Anything, mock.Anything, policyMatch).Return(nil)
	}

	ic, err := NewInterceptor(&Config{
		Cache: mCacher,
		Settings: policy.Settings{
			CacheAll: policy.CacheAllConfig{
				IsActive:       true,
				ExpirationMode: policy.Sliding,
				Timeout:        time.Minute,
			},
		},
	})
	assert.Nil(err)
	db, qMock := newTestDB(t, assert, ic)

	// an untagged read gets the cache-all policy
	query := "SELECT name FROM users WHERE age > ?"
	cacheMissExpected := true
	runQuery(t, assert, qMock, db, query, cacheMissExpected)
	runQueryPrepared(t, assert, qMock, db, query, cacheMissExpected)

	assert.True(mCacher.AssertExpectations(t))
}

func TestInvalidateOnWrite(t *testing.T) {
	assert := require.New(t)

	mCacher := new(mocks.Cacher)
	mCacher.On("Invalidate", mock.Anything, []string{"users"}).Return(nil)

	ic, err := NewInterceptor(&Config{Cache: mCacher})
	assert.Nil(err)
	db, qMock := newTestDB(t, assert, ic)

	stmt := "INSERT INTO users (name) VALUES (?)"
	qMock.ExpectExec(regexp.QuoteMeta(stmt)).WithArgs("John").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err = db.ExecContext(context.Background(), stmt, "John")
	assert.Nil(err)
	assert.Nil(qMock.ExpectationsWereMet())

	assert.True(mCacher.AssertExpectations(t))
	assert.Equal(uint64(1), ic.Stats().Invalidations)
}

func TestNoInvalidateOnRead(t *testing.T) {
	assert := require.New(t)

	mCacher := new(mocks.Cacher)
	ic, err := NewInterceptor(&Config{Cache: mCacher})
	assert.Nil(err)
	db, qMock := newTestDB(t, assert, ic)

	// exec of a non-mutating statement must not invalidate anything
	stmt := "ANALYZE users"
	qMock.ExpectExec(regexp.QuoteMeta(stmt)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = db.ExecContext(context.Background(), stmt)
	assert.Nil(err)
	assert.Nil(qMock.ExpectationsWereMet())

	assert.True(mCacher.AssertExpectations(t))
	assert.Equal(uint64(0), ic.Stats().Invalidations)
}

func TestCacheHit(t *testing.T) {
	assert := require.New(t)

	query := "-- EFCachePolicy Absolute|30s\nSELECT name FROM users WHERE age > ?"

	cacheItem := &cache.Item{
		Cols: []string{"name"},
		Rows: [][]driver.Value{
			{"John"},
			{"Lisa"},
		},
	}

	mCacher := new(mocks.Cacher)
	for i := 0; i < 2; i++ { // once each for runQuery and runQueryPrepared
		mCacher.On("Get", mock.Anything, mock.Anything).Return(cacheItem, true, nil)
	}

	ic, err := NewInterceptor(&Config{Cache: mCacher})
	assert.Nil(err)
	db, qMock := newTestDB(t, assert, ic)

	cacheMissExpected := false
	runQuery(t, assert, qMock, db, query, cacheMissExpected)
	runQueryPrepared(t, assert, qMock, db, query, cacheMissExpected)

	assert.True(mCacher.AssertExpectations(t))
	assert.Equal(uint64(2), ic.Stats().Hits)
}

func TestCacheMiss(t *testing.T) {
	assert := require.New(t)

	query := "-- EFCachePolicy Absolute|30s\nSELECT name FROM users WHERE age > ?"

	tests := map[string]struct {
		err     error
		present bool
	}{
		"Get() failed; entry present": {errors.New("some error"), true},
		"Get() failed; entry absent":  {errors.New("some error"), false},
		"Get() passed: entry absent":  {nil, false},
	}

	ic, _ := NewInterceptor(&Config{
		Cache: new(mocks.Cacher),
	})
	db, qMock := newTestDB(t, assert, ic)

	cacheMissExpected := true
	for tcName, td := range tests {
		t.Run(tcName, func(t *testing.T) {
			mCacher := new(mocks.Cacher)
			for i := 0; i < 2; i++ { // once each for runQuery and runQueryPrepared
				mCacher.On("Get", mock.Anything, mock.Anything).Return(nil, td.present, td.err)
				mCacher.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
			}

			ic.c = mCacher
			onErrCalled := 0
			ic.onErr = func(e error) {
				onErrCalled++
			}

			runQuery(t, assert, qMock, db, query, cacheMissExpected)
			runQueryPrepared(t, assert, qMock, db, query, cacheMissExpected)

			if td.err != nil {
				assert.Equal(2, onErrCalled)
			} else {
				assert.Equal(0, onErrCalled)
			}
			assert.True(mCacher.AssertExpectations(t))
		})
	}
}

func TestDisabled(t *testing.T) {
	assert := require.New(t)

	query := "-- EFCachePolicy Absolute|30s\nSELECT name FROM users WHERE age > ?"

	ic, _ := NewInterceptor(&Config{
		Cache: new(mocks.Cacher),
	})
	db, qMock := newTestDB(t, assert, ic)

	tests := map[string]bool{
		"interceptor bypassed": false,
		"interceptor enabled":  true,
	}
	for tcName, enabled := range tests {
		t.Run(tcName, func(t *testing.T) {
			mCacher := new(mocks.Cacher)

			if enabled == true {
				ic.Enable()
				for i := 0; i < 2; i++ { // once each for runQuery and runQueryPrepared
					mCacher.On("Get", mock.Anything, mock.Anything).Return(nil, false, nil) // cache miss
					mCacher.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
				}
			} else {
				ic.Disable()
			}
			ic.c = mCacher

			cacheMissExpected := true
			runQuery(t, assert, qMock, db, query, cacheMissExpected)
			runQueryPrepared(t, assert, qMock, db, query, cacheMissExpected)

			assert.True(mCacher.AssertExpectations(t))
		})
	}
}

func TestMaxRows(t *testing.T) {
	assert := require.New(t)

	query := "-- EFCachePolicy Absolute|30s\nSELECT name FROM users WHERE age > ?"

	mCacher := new(mocks.Cacher)
	for i := 0; i < 2; i++ { // once each for runQuery and runQueryPrepared
		mCacher.On("Get", mock.Anything, mock.Anything).Return(nil, false, nil) // cache miss
		// note that despite cache miss, no call must be made for cache.Set
		// as max rows has been exceeded
	}

	// runQuery() and runQueryPrepared() return 2 rows; limit is 1
	ic, _ := NewInterceptor(&Config{
		Cache:         mCacher,
		MaxCachedRows: 1,
	})
	db, qMock := newTestDB(t, assert, ic)

	cacheMissExpected := true
	runQuery(t, assert, qMock, db, query, cacheMissExpected)
	runQueryPrepared(t, assert, qMock, db, query, cacheMissExpected)
	assert.True(mCacher.AssertExpectations(t))
}

func TestKeyFuncErr(t *testing.T) {
	assert := require.New(t)

	query := "-- EFCachePolicy Absolute|30s\nSELECT name FROM users WHERE age > ?"

	mCacher := new(mocks.Cacher)
	keyFuncCalled := false
	onErrCalled := false
	ic, _ := NewInterceptor(&Config{
		Cache: mCacher,
		KeyFunc: func(query string, args []driver.NamedValue, saltKey string) (string, error) {
			keyFuncCalled = true
			return "", errors.New("some error")
		},
		OnError: func(err error) {
			onErrCalled = true
		},
	})
	db, qMock := newTestDB(t, assert, ic)

	cacheMissExpected := true
	runQuery(t, assert, qMock, db, query, cacheMissExpected)
	assert.True(keyFuncCalled)
	assert.True(onErrCalled)
	assert.Equal(ic.Stats().Errors, uint64(1))
	keyFuncCalled = false // reset
	onErrCalled = false   // reset

	runQueryPrepared(t, assert, qMock, db, query, cacheMissExpected)
	assert.True(keyFuncCalled)
	assert.True(onErrCalled)

	assert.True(mCacher.AssertExpectations(t))
	assert.Equal(ic.Stats().Errors, uint64(2))
}

func TestMalformedDirectiveFlag(t *testing.T) {
	assert := require.New(t)

	// a bad boolean flag surfaces through OnError and the query runs uncached
	query := "-- EFCachePolicy Absolute|30s|||maybe\nSELECT name FROM users WHERE age > ?"

	mCacher := new(mocks.Cacher)
	onErrCalled := 0
	ic, _ := NewInterceptor(&Config{
		Cache:   mCacher,
		OnError: func(err error) { onErrCalled++ },
	})
	db, qMock := newTestDB(t, assert, ic)

	cacheMissExpected := true
	runQuery(t, assert, qMock, db, query, cacheMissExpected)

	assert.Equal(1, onErrCalled)
	assert.True(mCacher.AssertExpectations(t))
	assert.Equal(uint64(1), ic.Stats().Errors)
}
