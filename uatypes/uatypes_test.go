// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package uatypes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDuration_GoRoundTrip(t *testing.T) {
	d := DurationFromGo(250 * time.Millisecond)
	require.Equal(t, 250*time.Millisecond, d.Go())
}

func TestInstant_GoRoundTrip(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	i := InstantFromGo(now)
	require.True(t, i.Go().Equal(now))
}

func TestInstant_Add(t *testing.T) {
	base := InstantFromGo(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	after := base.Add(DurationFromGo(time.Hour))
	require.True(t, base.Before(after))
	require.Equal(t, time.Hour, after.Go().Sub(base.Go()))
}

func TestInstant_Before(t *testing.T) {
	a := Instant(100)
	b := Instant(200)
	require.True(t, a.Before(b))
	require.False(t, b.Before(a))
	require.False(t, a.Before(a))
}

func TestByteString_IsNull(t *testing.T) {
	var nilBS ByteString
	require.True(t, nilBS.IsNull())

	emptyBS := ByteString{}
	require.False(t, emptyBS.IsNull())

	presentBS := ByteString{1, 2, 3}
	require.False(t, presentBS.IsNull())
}

func TestChannelSecurityToken_ExpiresAt(t *testing.T) {
	created := InstantFromGo(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	tok := ChannelSecurityToken{
		ChannelID:       1,
		TokenID:         1,
		CreatedAt:       created,
		RevisedLifetime: DurationFromGo(time.Hour),
	}
	require.Equal(t, created.Add(DurationFromGo(time.Hour)), tok.ExpiresAt())
	require.True(t, created.Go().Add(time.Hour).Equal(tok.ExpiresAt().Go()))
}
