package obss

import "time"

// timeNow is indirected so tests can pin the clock without sleeping real
// wall-clock time.
var timeNow = time.Now
