//go:build !linux

package dispatcher

func processRSSBytes() (uint64, bool) { return 0, false }
