package warden

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndVerifyPassword(t *testing.T) {
	hashed, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hashed, "$argon2id$"))

	ok, err := VerifyPassword(hashed, "correct horse battery staple")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword(hashed, "incorrect horse")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyPassword("not-a-hash", "anything")
	require.Error(t, err)

	// two hashes of the same password use different salts
	other, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)
	assert.NotEqual(t, hashed, other)
}

func TestDerive64ByteKey(t *testing.T) {
	key := derive64ByteKey("some secret")
	assert.Len(t, key, 64)
	assert.Equal(t, key, derive64ByteKey("some secret"))
	assert.NotEqual(t, key, derive64ByteKey("another secret"))
}

func TestGenerateRandomHexString(t *testing.T) {
	for _, length := range []int{1, 16, 31, 64} {
		s, err := generateRandomHexString(length)
		require.NoError(t, err)
		assert.Len(t, s, length)
	}
	first, err := generateRandomHexString(32)
	require.NoError(t, err)
	second, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exact", truncate("exact", 5))
	assert.Equal(t, "trunc", truncate("truncated", 5))
	// counts runes, not bytes
	assert.Equal(t, "héllo", truncate("héllo wörld", 5))
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	_, ok := ContextLogger(ctx)
	assert.False(t, ok)

	logger := slog.Default().With("test", t.Name())
	ctx = WithLogger(ctx, logger)

	found, ok := ContextLogger(ctx)
	require.True(t, ok)
	assert.Equal(t, logger, found)

	// nil falls back to the default logger rather than storing nil
	ctx = WithLogger(context.Background(), nil)
	found, ok = ContextLogger(ctx)
	require.True(t, ok)
	assert.NotNil(t, found)
}

func TestDiscordInteractionOptions(t *testing.T) {
	options := discordInteractionOptions(nil)
	assert.Empty(t, options)

	options = discordInteractionOptions(
		[]*discordgo.ApplicationCommandInteractionDataOption{
			stringOption("when", "in 2h"),
			stringOption("message", "do the thing"),
		},
	)
	require.Len(t, options, 2)
	assert.Equal(t, "in 2h", options["when"].StringValue())
	assert.Equal(t, "do the thing", options["message"].StringValue())
}
