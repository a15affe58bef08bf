// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package supervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	// Arrange
	reg := NewRegistry()
	env := &fakeProvisioner{}
	b := newTestSupervisor(t, testService(), env, WithProber(alwaysReady()))
	svcA := testService()
	svcA.Name = "alpha"
	a := newTestSupervisor(t, svcA, env, WithProber(alwaysReady()))

	// Act
	require.NoError(t, reg.Register(b))
	require.NoError(t, reg.Register(a))
	dupErr := reg.Register(a)

	// Assert
	assert.Error(t, dupErr)
	assert.Equal(t, []string{"alpha", "svc"}, reg.Names())

	got, err := reg.Get("alpha")
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownService)

	a.InitAndLaunch()
	waitSettled(t, a)
	statuses := reg.Statuses()
	assert.Equal(t, StateReady, statuses["alpha"].State)
	assert.Equal(t, StateIdle, statuses["svc"].State)

	require.NoError(t, reg.StopAll(context.Background()))
	assert.Equal(t, StateStopped, a.Status().State)
}
