//go:build race

package mppca

const raceEnabled = true
