package prompts

import (
	"testing"

	"github.com/stretchr/testify/require"

	"nudgebot/internal/eligibility"
)

func TestEscalationModifier(t *testing.T) {
	require.Empty(t, EscalationModifier(1, 3))
	require.Contains(t, EscalationModifier(2, 3), "Stay patient")
	require.Contains(t, EscalationModifier(3, 3), "last one")
	require.Contains(t, EscalationModifier(4, 3), "last one")
	// a cap of one never produces the final wording for the neutral first send
	require.Empty(t, EscalationModifier(1, 1))
}

func TestCompose(t *testing.T) {
	got := Compose(" Say hi. ", eligibility.LateNight, "", "Be brief.")
	require.Equal(t, "Say hi. It is currently late night. Keep the style consistent with your persona. Be brief.", got)
}

func TestPick(t *testing.T) {
	require.Empty(t, Set{}.Pick(nil))
	require.Equal(t, "a", Set{"a"}.Pick(nil))
	require.Equal(t, "b", Set{"a", "b"}.Pick(func(int) int { return 1 }))
	for _, p := range []eligibility.Period{eligibility.Morning, eligibility.Afternoon, eligibility.Evening, eligibility.LateNight} {
		require.NotEmpty(t, Sharing[p], p)
	}
}
