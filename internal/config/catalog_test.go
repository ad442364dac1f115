package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/resource-allocator/internal/persistence"
)

const sampleCatalog = `
weights:
  capability: 0.5
  availability: 0.3
  workload: 0.1
  affinity: 0.1
  preference: 0
resources:
  - id: alice
    name: Alice
    kind: person
    owner: manager-1
    capabilities:
      go: 4
      sql: 2
    time_zone: UTC
    availability:
      - days: [mon, tue, wed, thu, fri]
        start: "09:00"
        end: "17:00"
    blackouts:
      - start: 2024-03-15T00:00:00Z
        end: 2024-03-16T00:00:00Z
    constraints:
      min_duration: 30m
      max_duration: 4h
      requires_approval: true
  - id: room-a
    capacity: 3
principals:
  - id: alice
    roles: [requester]
    token_hash: "$2a$10$abcdefghijklmnopqrstuuJvTqkpuQvjtnKDZ9dW2nGdXbO/XI8VS"
`

func TestParseCatalog(t *testing.T) {
	t.Parallel()

	catalog, err := ParseCatalog([]byte(sampleCatalog))
	require.NoError(t, err)

	require.NotNil(t, catalog.Weights)
	assert.InDelta(t, 0.5, catalog.Weights.Capability, 1e-9)
	require.Len(t, catalog.Resources, 2)
	require.Len(t, catalog.Principals, 1)

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	alice, err := catalog.Resources[0].Resource(now, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, persistence.ResourceKindPerson, alice.Kind)
	assert.Equal(t, 1, alice.Capacity)
	assert.Len(t, alice.Availability, 5)
	assert.Equal(t, "09:00", alice.Availability[0].Start)
	assert.Equal(t, time.Monday, alice.Availability[0].Weekday)
	assert.Equal(t, 30*time.Minute, alice.Constraints.MinDuration)
	assert.True(t, alice.Constraints.RequiresApproval)
	require.Len(t, alice.Blackouts, 1)
	assert.True(t, alice.Active)

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	room, err := catalog.Resources[1].Resource(now, tokyo)
	require.NoError(t, err)
	assert.Equal(t, persistence.ResourceKindAsset, room.Kind)
	assert.Equal(t, "room-a", room.Name)
	assert.Equal(t, 3, room.Capacity)
	assert.Equal(t, "Asia/Tokyo", room.TimeZone)
}

func TestParseCatalogRejectsInvalidContent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		yaml    string
		message string
	}{
		{
			name:    "unknown field",
			yaml:    "resources:\n  - id: a\n    colour: red\n",
			message: "カタログの形式が不正です",
		},
		{
			name:    "duplicate resource",
			yaml:    "resources:\n  - id: a\n  - id: a\n",
			message: "重複しています",
		},
		{
			name:    "bad weekday",
			yaml:    "resources:\n  - id: a\n    availability:\n      - days: [funday]\n        start: \"09:00\"\n        end: \"10:00\"\n",
			message: "曜日が不正です",
		},
		{
			name:    "inverted hours",
			yaml:    "resources:\n  - id: a\n    availability:\n      - days: [mon]\n        start: \"10:00\"\n        end: \"09:00\"\n",
			message: "availability",
		},
		{
			name:    "capability level out of range",
			yaml:    "resources:\n  - id: a\n    capabilities:\n      go: 9\n",
			message: "capabilities.go",
		},
		{
			name:    "unknown role",
			yaml:    "principals:\n  - id: p\n    roles: [root]\n    token_hash: \"$2a$10$x\"\n",
			message: "不明なロールです",
		},
		{
			name:    "plain token instead of hash",
			yaml:    "principals:\n  - id: p\n    roles: [admin]\n    token_hash: secret\n",
			message: "bcrypt",
		},
		{
			name:    "negative weight",
			yaml:    "weights:\n  capability: -1\n",
			message: "負の重み",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseCatalog([]byte(tc.yaml))
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tc.message), "error %q should mention %q", err, tc.message)
		})
	}
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()

	day, err := ParseWeekday(" Saturday ")
	require.NoError(t, err)
	assert.Equal(t, time.Saturday, day)

	_, err = ParseWeekday("someday")
	assert.Error(t, err)
}
