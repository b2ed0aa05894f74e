package service

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountWords(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want int64
	}{
		{"empty", "", 0},
		{"spaces only", "   \n\t ", 0},
		{"plain", "hello brave new world", 4},
		{"url removed", "look at https://bezhas.com/x?y=1 now", 3},
		{"emoji removed", "great job 🎉🚀 team", 3},
		{"emoji only", "😀 😀", 0},
		{"chinese counted by whitespace", "你好 世界", 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CountWords(tc.in))
		})
	}
}

func TestCountWordsLargeMessage(t *testing.T) {
	msg := strings.TrimSpace(strings.Repeat("word ", 4500))
	assert.Equal(t, int64(4500), CountWords(msg))
}

func TestWordsToCredits(t *testing.T) {
	assert.Equal(t, int64(0), WordsToCredits(0, 1000))
	assert.Equal(t, int64(1), WordsToCredits(1, 1000))
	assert.Equal(t, int64(1), WordsToCredits(1000, 1000))
	assert.Equal(t, int64(2), WordsToCredits(1001, 1000))
	assert.Equal(t, int64(5), WordsToCredits(4500, 1000))
	assert.Equal(t, int64(3000), CreditsToWords(3, 1000))
	assert.Equal(t, int64(0), CreditsToWords(-1, 1000))
}
