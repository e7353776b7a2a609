package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/fitrun/fitrun/pkg/config"
	"github.com/fitrun/fitrun/pkg/identity"
	"github.com/fitrun/fitrun/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testShop = "demo.myshopify.com"

func newTestStore(t *testing.T) store.Store {
	t.Helper()

	log = logrus.New()
	log.SetOutput(io.Discard)

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	t.Cleanup(func() {
		assert.NoError(t, st.Stop())
	})

	return st
}

func seedRun(t *testing.T, st store.Store, id string, who identity.Identity) {
	t.Helper()

	now := time.Now().UTC()

	run := &store.Run{
		ID:           id,
		ShopDomain:   testShop,
		Status:       store.StatusQueued,
		ModelVersion: 1,
		InputKey:     "inputs/" + id + ".jpg",
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	run.SetIdentity(who)

	require.NoError(t, st.CreateRun(context.Background(), run))
}

func TestPerformErase_Identities(t *testing.T) {
	st := newTestStore(t)

	seedRun(t, st, "run-1", identity.Customer("42"))
	seedRun(t, st, "run-2", identity.Guest("abc"))
	seedRun(t, st, "run-3", identity.Customer("43"))

	var out bytes.Buffer

	total, err := performErase(context.Background(), st, eraseTargets{
		Shop:       testShop,
		Identities: []identity.Identity{identity.Customer("42"), identity.Guest("abc")},
	}, true, strings.NewReader(""), &out)
	require.NoError(t, err)
	require.NotNil(t, total)
	assert.Equal(t, int64(2), total.Runs)
	assert.Contains(t, out.String(), "customer:42")

	runs, err := st.ListRuns(context.Background(), testShop, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-3", runs[0].ID)
}

func TestPerformErase_Confirmation(t *testing.T) {
	st := newTestStore(t)

	seedRun(t, st, "run-1", identity.Customer("42"))

	targets := eraseTargets{Shop: testShop, All: true}

	total, err := performErase(context.Background(), st, targets, false, strings.NewReader("n\n"), io.Discard)
	require.NoError(t, err)
	assert.Nil(t, total, "declined")

	runs, err := st.ListRuns(context.Background(), testShop, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	total, err = performErase(context.Background(), st, targets, false, strings.NewReader("yes\n"), io.Discard)
	require.NoError(t, err)
	require.NotNil(t, total)
	assert.Equal(t, int64(1), total.Runs)
}

func TestPerformErase_Errors(t *testing.T) {
	st := newTestStore(t)

	_, err := performErase(context.Background(), st, eraseTargets{All: true}, true, nil, io.Discard)
	assert.Error(t, err)

	_, err = performErase(context.Background(), st, eraseTargets{Shop: testShop}, true, nil, io.Discard)
	assert.Error(t, err)

	_, err = performErase(context.Background(), st, eraseTargets{
		Shop:       testShop,
		Identities: []identity.Identity{identity.Customer("")},
	}, true, nil, io.Discard)
	assert.Error(t, err)
}
