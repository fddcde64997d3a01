//go:build !windows

package portinspect

func DefaultSource() ListenerSource { return ConnTableSource{} }
