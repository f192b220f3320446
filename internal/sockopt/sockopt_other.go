//go:build !unix

package sockopt

func (o Options) apply(fd uintptr) error { return nil }
