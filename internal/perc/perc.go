// Package perc holds the percentage arithmetic shared by the signal engine and the trade lifecycle.
package perc

// Sub reduces n by p percent.
func Sub(p, n float64) float64 {
	return n - n*p/100
}

// Add increases n by p percent.
func Add(p, n float64) float64 {
	return n + n*p/100
}

// Diff is the percentage change from a to b. A zero a has no meaningful change and yields 0.
func Diff(a, b float64) float64 {
	if a == 0 {
		return 0
	}
	return (b - a) / a * 100
}
