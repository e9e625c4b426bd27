// Package flow owns the per-event motion-flow pipeline for event cameras.
//
// Responsibilities: event time-map and spatial filtering, gyro-driven
// ground-truth estimation, outlier rejection, and online accuracy and
// global-motion statistics. Key types: Pipeline, TimeMap,
// IMUFlowEstimator, Statistics, Measurand.
//
// The concrete flow algorithm is injected through the Algorithm interface;
// reference implementations live in flow/algorithms.
//
// Dependency rule: flow may depend on internal/config and internal/timeutil
// only. No SQL, serial, or network code is allowed in this package.
package flow
