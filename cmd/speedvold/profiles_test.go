package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStorage is an in-memory Storage double shared by the persistence and
// HTTP tests.
type memStorage struct {
	data    map[string]string
	failAll bool
}

func newMemStorage() *memStorage {
	return &memStorage{data: make(map[string]string)}
}

func (m *memStorage) Load(key string) (string, bool, error) {
	if m.failAll {
		return "", false, assert.AnError
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memStorage) Save(key, value string) error {
	if m.failAll {
		return assert.AnError
	}
	m.data[key] = value
	return nil
}

func testDefaults() ProfileDefaults {
	return ProfileDefaults{
		Name:       "Default",
		MinSpeed:   0,
		MinVolume:  20,
		MaxSpeed:   60,
		MaxVolume:  100,
		SeedSpeed:  30,
		SeedVolume: 60,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestValidateProfile(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Profile)
		wantErr string
	}{
		{"valid", func(p *Profile) {}, ""},
		{"empty id", func(p *Profile) { p.ID = "" }, "id"},
		{"negative min speed", func(p *Profile) { p.MinSpeed = -1 }, "negative"},
		{"min at max", func(p *Profile) { p.MinSpeed = 60 }, "strictly below"},
		{"min above max", func(p *Profile) { p.MinSpeed = 70 }, "strictly below"},
		{"min volume too high", func(p *Profile) { p.MinVolume = 101 }, "between 0 and 100"},
		{"max volume negative", func(p *Profile) { p.MaxVolume = -1 }, "between 0 and 100"},
		{"point at min threshold", func(p *Profile) { p.Curve[0].Speed = 0 }, "strictly between"},
		{"point at max threshold", func(p *Profile) { p.Curve[0].Speed = 60 }, "strictly between"},
		{"point beyond max", func(p *Profile) { p.Curve[0].Speed = 61 }, "strictly between"},
		{"point volume out of range", func(p *Profile) { p.Curve[0].Volume = 150 }, "between 0 and 100"},
		{
			"duplicate point speed",
			func(p *Profile) {
				p.Curve = append(p.Curve, CurvePoint{ID: "c2", Speed: 30, Volume: 10})
			},
			"duplicate",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := testProfile()
			tc.mutate(&p)
			err := validateProfile(p)
			if tc.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
		})
	}
}

func TestNewProfileUsesDefaults(t *testing.T) {
	def := testDefaults()

	p := newProfile("Commute", def)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "Commute", p.Name)
	require.Len(t, p.Curve, 1)
	assert.Equal(t, 30.0, p.Curve[0].Speed)
	assert.Equal(t, 60.0, p.Curve[0].Volume)
	require.NoError(t, validateProfile(p))

	// Empty name falls back to the default name.
	p2 := newProfile("", def)
	assert.Equal(t, "Default", p2.Name)
	assert.NotEqual(t, p.ID, p2.ID)
}

func TestReplaceProfileRejectsInvalidWithoutMutating(t *testing.T) {
	profiles := []Profile{testProfile()}

	bad := testProfile()
	bad.Curve[0].Speed = 60 // collides with max threshold
	err := replaceProfile(profiles, bad)
	require.Error(t, err)
	assert.Equal(t, 30.0, profiles[0].Curve[0].Speed, "store must be untouched on validation failure")

	unknown := testProfile()
	unknown.ID = "nope"
	err = replaceProfile(profiles, unknown)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown profile id")
}

func TestReplaceProfilePreservesPosition(t *testing.T) {
	a, b := testProfile(), testProfile()
	b.ID = "p2"
	profiles := []Profile{a, b}

	updated := testProfile()
	updated.Name = "Renamed"
	require.NoError(t, replaceProfile(profiles, updated))

	assert.Equal(t, "Renamed", profiles[0].Name)
	assert.Equal(t, "p2", profiles[1].ID)
}

func TestLoadPersistedProfilesRoundTrip(t *testing.T) {
	st := newMemStorage()
	def := testDefaults()

	stored := []Profile{testProfile()}
	encoded, err := encodeProfiles(stored)
	require.NoError(t, err)
	require.NoError(t, st.Save(storageKeyProfiles, encoded))
	require.NoError(t, st.Save(storageKeyActiveProfile, `"p1"`))

	profiles, activeID := loadPersistedProfiles(st, def, testLogger())
	require.Len(t, profiles, 1)
	assert.Equal(t, "p1", profiles[0].ID)
	assert.Equal(t, "p1", activeID)
}

func TestLoadPersistedProfilesFallsBackOnMalformedData(t *testing.T) {
	cases := []struct {
		name  string
		setup func(*memStorage)
	}{
		{"absent", func(st *memStorage) {}},
		{"empty list", func(st *memStorage) { st.data[storageKeyProfiles] = "[]" }},
		{"garbage", func(st *memStorage) { st.data[storageKeyProfiles] = "{not json" }},
		{"storage error", func(st *memStorage) { st.failAll = true }},
		{
			"invariant violation",
			func(st *memStorage) {
				bad := testProfile()
				bad.MinSpeed = 99 // above max
				encoded, _ := encodeProfiles([]Profile{bad})
				st.data[storageKeyProfiles] = encoded
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := newMemStorage()
			tc.setup(st)

			profiles, activeID := loadPersistedProfiles(st, testDefaults(), testLogger())
			require.Len(t, profiles, 1)
			assert.Equal(t, profiles[0].ID, activeID)
			assert.NoError(t, validateProfile(profiles[0]))
		})
	}
}

func TestLoadPersistedProfilesIgnoresDanglingActiveID(t *testing.T) {
	st := newMemStorage()
	encoded, err := encodeProfiles([]Profile{testProfile()})
	require.NoError(t, err)
	require.NoError(t, st.Save(storageKeyProfiles, encoded))
	require.NoError(t, st.Save(storageKeyActiveProfile, `"no-such-profile"`))

	profiles, activeID := loadPersistedProfiles(st, testDefaults(), testLogger())
	require.Len(t, profiles, 1)
	assert.Equal(t, "p1", activeID, "dangling active id must fall back to first profile")
}
