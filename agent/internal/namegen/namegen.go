// Package namegen generates human friendly agent names.
package namegen

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
)

// Complexity selects how many words make up a generated name.
type Complexity int

const (
	// Simple names have the form "adjective-noun".
	Simple Complexity = iota
	// Moderate names have the form "adjective-adjective-noun".
	Moderate
	// Complex names append a random suffix to a moderate name.
	Complex
)

var adjectives = []string{
	"amber", "ancient", "bold", "brave", "bright", "brisk", "calm", "clever", "cobalt", "cosmic",
	"crimson", "daring", "eager", "electric", "emerald", "fearless", "fierce", "gentle", "gilded", "golden",
	"grand", "hidden", "hollow", "humble", "icy", "iron", "jolly", "keen", "lively", "lucky",
	"lunar", "mellow", "mighty", "misty", "nimble", "noble", "obsidian", "patient", "polished", "proud",
	"quick", "quiet", "rapid", "restless", "rustic", "scarlet", "silent", "silver", "sly", "solar",
	"spry", "steady", "stormy", "swift", "tidy", "tireless", "vivid", "wandering", "wild", "witty",
}

var nouns = []string{
	"anvil", "badger", "beacon", "bellows", "bolt", "bracket", "chisel", "comet", "compass", "crane",
	"crucible", "falcon", "forge", "foundry", "furnace", "gear", "hammer", "harbor", "hawk", "heron",
	"ingot", "kiln", "lathe", "lever", "lynx", "mallet", "mill", "otter", "piston", "pulley",
	"quarry", "raven", "rivet", "sprocket", "spindle", "tinker", "tongs", "turbine", "vise", "wrench",
}

func pick(words []string) string {
	return words[rand.IntN(len(words))]
}

// GetRandomName returns a random name of the given complexity.
func GetRandomName(c Complexity) string {
	switch c {
	case Simple:
		return pick(adjectives) + "-" + pick(nouns)
	case Moderate:
		return strings.Join([]string{pick(adjectives), pick(adjectives), pick(nouns)}, "-")
	default:
		return GetComplexRandomName()
	}
}

// GetComplexRandomName returns a moderate name with a random hexadecimal suffix.
func GetComplexRandomName() string {
	return fmt.Sprintf("%s-%06x", GetRandomName(Moderate), rand.IntN(1<<24))
}

// IsCollision reports whether candidate is already one of names.
func IsCollision(names []string, candidate string) bool {
	return slices.Contains(names, candidate)
}
