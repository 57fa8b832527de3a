package relay

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// IDGenerator produces candidate room ids. The room manager retries on collision.
type IDGenerator func() string

// NewIDGenerator returns the generator for a configured style: "uuid" (default)
// or "words".
func NewIDGenerator(style string) (IDGenerator, error) {
	switch style {
	case "", "uuid":
		return UUIDGenerator, nil
	case "words":
		return WordGenerator, nil
	default:
		return nil, fmt.Errorf("unknown room id style %q", style)
	}
}

// UUIDGenerator returns random version 4 UUIDs.
func UUIDGenerator() string {
	return uuid.NewString()
}

// WordGenerator creates a memorable room id from four word lists.
// Format: word-word-word-word (e.g. "aunt-picnic-maple-sunny")
func WordGenerator() string {
	lists := [][]string{relatives, gatherings, trees, moods}
	words := make([]string, len(lists))
	for i, l := range lists {
		words[i] = l[randomIndex(len(l))]
	}
	return fmt.Sprintf("%s-%s-%s-%s", words[0], words[1], words[2], words[3])
}

// randomIndex returns a cryptographically secure random index for a slice of given length.
func randomIndex(max int) int {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		panic(fmt.Sprintf("failed to generate random index: %v", err))
	}
	return int(n.Int64())
}

var relatives = []string{
	"aunt", "uncle", "cousin", "nephew", "niece", "granny", "grandpa", "sister", "brother", "twin",
	"godson", "stepdad", "stepmom", "inlaw", "kin", "elder", "junior", "baby", "toddler", "teen",
}

var gatherings = []string{
	"picnic", "potluck", "barbecue", "reunion", "brunch", "supper", "campfire", "hayride", "parade", "dance",
	"festival", "cookout", "gala", "feast", "carnival", "singalong", "hike", "regatta", "fair", "banquet",
}

var trees = []string{
	"maple", "oak", "willow", "birch", "cedar", "pine", "elm", "aspen", "walnut", "cherry",
	"magnolia", "hazel", "juniper", "laurel", "linden", "poplar", "spruce", "alder", "beech", "cypress",
}

var moods = []string{
	"sunny", "cozy", "lively", "merry", "gentle", "proud", "jolly", "warm", "bright", "calm",
	"cheerful", "kind", "loyal", "brave", "witty", "noisy", "sleepy", "hungry", "giddy", "snug",
}
