package record

import (
	"crypto/rand"
	"math/big"
	"strings"
)

var wordLists = [][]string{animals, dishes, names, randomWords, adjectives, extras}

// NewID returns a memorable record id made of four words drawn from four
// distinct lists, e.g. "kitten-waffle-stardust-happy".
func NewID() string {
	order := make([]int, len(wordLists))
	for i := range order {
		order[i] = i
	}
	// partial Fisher-Yates: the first four slots pick the lists
	for i := 0; i < 4; i++ {
		j := i + randomIndex(len(order)-i)
		order[i], order[j] = order[j], order[i]
	}

	words := make([]string, 4)
	for i := 0; i < 4; i++ {
		list := wordLists[order[i]]
		words[i] = list[randomIndex(len(list))]
	}
	return strings.Join(words, "-")
}

// randomIndex returns a uniformly random index in [0, n).
func randomIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		panic("record: crypto/rand failed: " + err.Error())
	}
	return int(v.Int64())
}
