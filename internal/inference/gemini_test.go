package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeminiContentsRoles(t *testing.T) {
	t.Parallel()

	contents := geminiContents(BackendRequest{
		History: []Turn{
			{Role: RoleUser, Content: "hi"},
			{Role: RoleAssistant, Content: "hey there"},
		},
		Message: "how are you?",
	})
	require.Len(t, contents, 3)

	roles := make([]string, 0, len(contents))
	for _, c := range contents {
		roles = append(roles, c.Role)
	}
	assert.Equal(t, []string{"user", "model", "user"}, roles)
	require.Len(t, contents[2].Parts, 1)
	assert.Equal(t, "how are you?", contents[2].Parts[0].Text)
}
