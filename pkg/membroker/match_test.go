package membroker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicMatch(t *testing.T) {
	cases := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"donation.created", "donation.created", true},
		{"donation.created", "donation.processed", false},
		{"donation.*", "donation.created", true},
		{"donation.*", "donation.goal.reached", false},
		{"campaign.#", "campaign.created", true},
		{"campaign.#", "campaign.goal.reached", true},
		{"campaign.#", "donation.created", false},
		{"#", "anything.at.all", true},
		{"#", "", true},
		{"*.created", "donation.created", true},
		{"*.created", "created", false},
		{"heartbeat.#", "heartbeat.donation-service", true},
		{"auth.#", "auth.login", true},
		{"auth.#", "auth", true},
		{"donation.#.dead", "donation.created.dead", true},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, topicMatch(tc.pattern, tc.key), "%s vs %s", tc.pattern, tc.key)
	}
}
