// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	name, config string
}

func (b *fakeBackend) Name() string { return b.name }
func (b *fakeBackend) Description() string { return "fake " + b.config }
func (b *fakeBackend) NumDevices() DeviceNum { return 1 }
func (b *fakeBackend) Open(_ DeviceNum) (Device, error) { return nil, errors.New("not implemented") }
func (b *fakeBackend) Finalize() {}

func TestRegistry(t *testing.T) {
	for _, name := range []string{"fake_a", "fake_b"} {
		Register(name, func(config string) (Backend, error) {
			if config == "fail" {
				return nil, errors.New("bad config")
			}
			return &fakeBackend{name: name, config: config}, nil
		})
	}
	assert.Contains(t, List(), "fake_a")
	assert.Contains(t, List(), "fake_b")

	b, err := NewWithConfig("fake_b:x=1")
	require.NoError(t, err)
	assert.Equal(t, "fake_b", b.Name())
	assert.Equal(t, "fake x=1", b.Description())

	b, err = NewWithConfig("fake_b")
	require.NoError(t, err)
	assert.Equal(t, "fake_b", b.Name())

	_, err = NewWithConfig("unknown:")
	require.Error(t, err)
	_, err = NewWithConfig("fake_a:fail")
	require.ErrorContains(t, err, "bad config")

	t.Setenv(ConfigEnvVar, "fake_a:from_env")
	b = MustNew()
	assert.Equal(t, "fake from_env", b.Description())
}

func TestEvents(t *testing.T) {
	e := NewLatchEvent()
	require.False(t, e.Done())
	go func() {
		time.Sleep(time.Millisecond)
		e.Complete(nil)
	}()
	require.NoError(t, e.Wait())
	require.True(t, e.Done())

	failed := CompletedEvent(errors.New("device lost"))
	require.True(t, failed.Done())
	err := WaitAll(e, nil, failed, CompletedEvent(errors.New("second")))
	require.ErrorContains(t, err, "device lost")
	require.NoError(t, WaitAll())
}

func TestLatchEventCompletesOnce(t *testing.T) {
	e := NewLatchEvent()
	first := errors.New("first")
	select {
	case <-e.WaitChan():
		t.Fatal("WaitChan closed before Complete")
	default:
	}
	done := make(chan bool)
	go func() { done <- e.Complete(first) }()
	assert.Equal(t, first, e.Wait())
	assert.True(t, <-done)
	assert.False(t, e.Complete(nil), "only the first Complete counts")
	assert.Equal(t, first, e.Wait())
	<-e.WaitChan()
	assert.True(t, e.Done())
}
