// Package health tracks node health as a tree of statuses.
//
// A Status is healthy, degraded or unhealthy. Aggregate folds a set of part
// statuses into one: any unhealthy part makes the whole unhealthy, otherwise
// any degraded part makes it degraded. Monitor keeps the latest status per
// part and is safe for concurrent use.
//
//	monitor := health.NewMonitor()
//	monitor.UpdateHealthy("transport", "connected")
//	monitor.Update("backend", health.FromError("backend", err))
//	node := monitor.Aggregate("node-1")
//
// Messages derived from errors pass through Sanitize, which removes URLs,
// paths, addresses and credentials before they reach the health endpoint.
package health
