// Package metrics 提供基于 prometheus 的监控指标
//
// Metrics 持有独立的 prometheus.Registry，各组件通过 nil 安全的方法记录：
//
//	m := metrics.New()
//	m.DialResult(metrics.ResultOK)
//	m.ConnOpened()
//
//	http.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
//
// 未启用指标时组件持有 nil *Metrics，所有方法都是空操作。
package metrics
