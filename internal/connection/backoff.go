package connection

import "time"

// Delay returns the reconnect delay for the given attempt, counting
// from zero: base, base*factor, base*factor^2, ...
func Delay(base time.Duration, factor float64, attempt int) time.Duration {
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= factor
	}
	return time.Duration(d)
}
