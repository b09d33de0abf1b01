package rtps

import "github.com/golang/glog"

// Verbosity levels used across the package. V(1) is protocol-level chatter
// (discovery admission, heartbeat/acknack exchange); V(2) is per-submessage
// tracing, noisy enough that it's off by default in any real deployment.
const (
	vProtocol = glog.Level(1)
	vTrace    = glog.Level(2)
)
