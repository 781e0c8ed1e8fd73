package config

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

var (
	adjectives = []string{
		"amber", "brisk", "calm", "dusty", "eager", "fuzzy", "gentle", "hazy",
		"icy", "jolly", "keen", "lucky", "mellow", "nimble", "quiet", "rapid",
		"silent", "tidy", "vivid", "witty",
	}
	animals = []string{
		"badger", "crane", "dingo", "egret", "ferret", "gecko", "heron", "ibis",
		"jackal", "koala", "lemur", "marten", "newt", "otter", "panda", "quail",
		"raven", "stoat", "tapir", "walrus",
	}
)

// GenerateNodeID returns a readable unique node id such as
// "brisk-otter-1a2b3c4d".
func GenerateNodeID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return adjectives[rand.IntN(len(adjectives))] + "-" + animals[rand.IntN(len(animals))] + "-" + suffix
}
