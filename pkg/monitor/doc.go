// Package monitor watches agent health.
//
// A periodic pass probes every registered agent, classifies response
// time, error rate, load, and inactivity against thresholds, fits
// least-squares trends over recent history, and computes rolling SLA
// reports. Critical findings feed a recovery engine that restarts,
// fails over, throttles, or alerts.
package monitor
