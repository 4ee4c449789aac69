package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/subway/internal/job"
)

func TestNew_HashAndID(t *testing.T) {
	a := MustNew("default", "NoopJob", Args{"hello": "world", "n": 1.0})
	b := MustNew("default", "NoopJob", Args{"n": 1.0, "hello": "world"})

	assert.Equal(t, a.Hash(), b.Hash())
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.ID, 40)

	c := MustNew("other", "NoopJob", Args{"hello": "world", "n": 1.0})
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name  string
		queue string
		class string
		field string
	}{
		{"empty queue", "", "NoopJob", "queue"},
		{"unsafe queue", "a b", "NoopJob", "queue"},
		{"empty class", "default", "", "class"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.queue, tt.class, nil)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	m, err := New("default", "NoopJob", nil)
	require.NoError(t, err)
	assert.NotNil(t, m.Args)
}

func TestMarshal_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 30, 15, 0, time.UTC)

	plain := MustNew("default", "NoopJob", Args{"hello": "world", "nested": map[string]any{"k": "v"}})

	delayed := MustNew("mail", "Md5Job", Args{"count": json.Number("3"), "ratio": json.Number("0.25")})
	delayed.SetAt(&at)

	repeating := MustNew("reports", "Md5Job", Args{})
	repeating.SetAt(&at)
	require.NoError(t, repeating.SetInterval("PT10S"))

	for _, m := range []*Message{plain, delayed, repeating} {
		raw, err := m.Marshal()
		require.NoError(t, err)

		got, err := Unmarshal(raw)
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
}

func TestUnmarshal_KeepsIntegerPrecision(t *testing.T) {
	m := MustNew("default", "NoopJob", Args{"user_id": int64(9007199254740993)})
	raw, err := m.Marshal()
	require.NoError(t, err)
	assert.Contains(t, raw, `"user_id":9007199254740993`)

	got, err := Unmarshal(raw)
	require.NoError(t, err)
	id, ok := got.Args["user_id"].(json.Number)
	require.True(t, ok, "got %T", got.Args["user_id"])
	n, err := id.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), n)
	assert.Equal(t, m.Hash(), got.Hash())

	again, err := got.Marshal()
	require.NoError(t, err)
	assert.Equal(t, raw, again)
}

func TestMarshal_WireKeys(t *testing.T) {
	m := MustNew("default", "NoopJob", Args{"hello": "world"})
	raw, err := m.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, raw, `"at"`)
	assert.NotContains(t, raw, `"interval"`)
	assert.Contains(t, raw, `"class":"NoopJob"`)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.SetAt(&at)
	raw, err = m.Marshal()
	require.NoError(t, err)
	assert.Contains(t, raw, `"at":"2026-01-02T03:04:05Z"`)
}

func TestUnmarshal_Invalid(t *testing.T) {
	_, err := Unmarshal("not json")
	assert.Error(t, err)

	_, err = Unmarshal(`{"id":"x","queue":"q","class":"c","args":{},"at":"yesterday"}`)
	assert.Error(t, err)
}

func TestSetInterval(t *testing.T) {
	m := MustNew("default", "NoopJob", nil)
	require.Nil(t, m.At)

	before := time.Now().Add(-time.Second)
	require.NoError(t, m.SetInterval("PT1M"))
	require.NotNil(t, m.At)
	assert.True(t, m.At.After(before))
	assert.True(t, m.Repeating())

	var verr *ValidationError
	assert.ErrorAs(t, m.SetInterval("10 seconds"), &verr)
	assert.Equal(t, "PT1M", m.Interval)

	require.NoError(t, m.SetInterval(""))
	assert.True(t, m.Delayed())

	m.Unschedule()
	assert.Nil(t, m.At)
	assert.Empty(t, m.Interval)
}

func TestSetAt_TruncatesToSeconds(t *testing.T) {
	m := MustNew("default", "NoopJob", nil)
	loc := time.FixedZone("X", 3600)
	at := time.Date(2026, 1, 1, 10, 0, 0, 999, loc)
	m.SetAt(&at)
	assert.Equal(t, time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), *m.At)

	m.SetAt(nil)
	assert.Nil(t, m.At)
}

func TestNext(t *testing.T) {
	m := MustNew("default", "NoopJob", nil)
	require.NoError(t, m.SetInterval("PT10S"))

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := m.Next(now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(10*time.Second), next)
}

func TestRenewAndClone(t *testing.T) {
	at := time.Now()
	m := MustNew("default", "NoopJob", Args{"a": "b"})
	m.SetAt(&at)

	c := m.Clone()
	assert.Equal(t, m, c)
	c.Args["a"] = "changed"
	assert.Equal(t, "b", m.Args["a"])

	r := m.Renew()
	assert.NotEqual(t, m.ID, r.ID)
	assert.Equal(t, m.Hash(), r.Hash())
}

func TestResolve(t *testing.T) {
	reg := job.NewRegistry()
	job.RegisterBuiltins(reg)

	_, err := MustNew("default", job.NoopClass, nil).Resolve(reg)
	assert.NoError(t, err)

	_, err = MustNew("default", "Unknown", nil).Resolve(reg)
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestShortID(t *testing.T) {
	m := MustNew("default", "NoopJob", nil)
	assert.Equal(t, m.ID[:7], m.ShortID())
}
