package llm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFallback_FirstMatchingCategoryWins(t *testing.T) {
	fallbacks := map[string][]string{
		"yes": {"بله", "حتما", "yes"},
		"no":  {"نه", "no"},
	}

	require.Equal(t, "yes", Fallback("بله حتما", fallbacks))
	require.Equal(t, "no", Fallback("نه ممنون", fallbacks))
	require.Equal(t, "unknown", Fallback("something unrelated", fallbacks))
}

func TestFallback_CaseInsensitive(t *testing.T) {
	fallbacks := map[string][]string{"yes": {"YES"}}
	require.Equal(t, "yes", Fallback("oh yes please", fallbacks))
}

func TestIsQuotaPhrase(t *testing.T) {
	require.True(t, isQuotaPhrase("error: insufficient_quota on this key"))
	require.True(t, isQuotaPhrase("Quota Exceeded for this month"))
	require.False(t, isQuotaPhrase("rate limited, try again"))
}
