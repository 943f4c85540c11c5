package rules

import (
	"unicode"
)

// text scanning helpers. The original pattern set used regex backreferences
// for repeated characters and phrases; RE2 has none, so these are plain
// scans instead.

// capsMinLetters is the minimum letter count before the caps ratio is
// evaluated at all.
const capsMinLetters = 8

// true if any rune repeats at least n times consecutively
func hasRepeatedRun(text string, n int) bool {
	var prev rune
	run := 0
	for _, r := range text {
		if r == prev {
			run++
			if run >= n {
				return true
			}
		} else {
			prev = r
			run = 1
		}
	}
	return false
}

// true if some phrase of 2+ runes repeats at least `times` consecutively
func hasRepeatedPhrase(text string, times int) bool {
	runes := []rune(text)
	maxPhrase := len(runes) / times
	if maxPhrase > 20 {
		maxPhrase = 20
	}
	for size := 2; size <= maxPhrase; size++ {
		for start := 0; start+size*times <= len(runes); start++ {
			phrase := string(runes[start : start+size])
			ok := true
			for rep := 1; rep < times; rep++ {
				if string(runes[start+rep*size:start+(rep+1)*size]) != phrase {
					ok = false
					break
				}
			}
			if ok {
				return true
			}
		}
	}
	return false
}

// Sustained uppercase ratio: >=0.8 for short messages (under 20 letters),
// >=0.7 otherwise. Messages under capsMinLetters letters never qualify.
func isCapsShouting(text string) bool {
	letters := 0
	caps := 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				caps++
			}
		}
	}
	if letters < capsMinLetters {
		return false
	}
	threshold := 0.7
	if letters < 20 {
		threshold = 0.8
	}
	return float64(caps)/float64(letters) >= threshold
}
