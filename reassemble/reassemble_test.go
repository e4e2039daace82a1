package reassemble

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCombineIdentity(t *testing.T) {
	assert.Equal(t, "", Combine(nil))
	assert.Equal(t, "", Combine([]string{}))
	assert.Equal(t, "just one segment ", Combine([]string{"just one segment "}))
	assert.Equal(t, "", Combine([]string{""}))
}

func TestCombineElidesOverlap(t *testing.T) {
	got := Combine([]string{"hello there my dear friend", "my dear friend how are you"})

	assert.Equal(t, "hello there my dear friend how are you", got)
	assert.Equal(t, 1, strings.Count(got, "my dear friend"))
}

func TestCombineNoOverlapFallback(t *testing.T) {
	got := Combine([]string{"goodbye now", "completely unrelated text"})
	assert.Equal(t, "goodbye now completely unrelated text", got)
}

func TestCombineShortOverlapKept(t *testing.T) {
	// Nine shared characters are below the confidence threshold, so both
	// copies survive rather than risking dropped words.
	got := Combine([]string{"hello there my friend", "my friend how are you"})
	assert.Equal(t, "hello there my friend my friend how are you", got)
}

func TestCombineCyrillic(t *testing.T) {
	got := Combine([]string{"привет мой дорогой друг", "мой дорогой друг как дела"})
	assert.Equal(t, "привет мой дорогой друг как дела", got)
}

func TestCombineManySegments(t *testing.T) {
	got := Combine([]string{
		"first part ends with a shared tail",
		"with a shared tail then the second part ends here together",
		"ends here together and the last part",
	})
	assert.Equal(t, "first part ends with a shared tail then the second part ends here together and the last part", got)
}

func TestOverlapWindowBound(t *testing.T) {
	a := []rune(strings.Repeat("a", 150))
	assert.Equal(t, window, Overlap(a, a))
	assert.Equal(t, 5, Overlap(a, []rune("aaaaa")))
	assert.Equal(t, 0, Overlap([]rune("abc"), []rune("xyz")))
	assert.Equal(t, 0, Overlap(nil, []rune("xyz")))
}
