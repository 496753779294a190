// Package core defines the shared domain model of TaskMesh: executions and
// their subtasks, validated task plans, objective runs and their steps, the
// lifecycle events published while an execution makes progress, and the error
// taxonomy the scheduler and executor translate failures into.
//
// The types here are deliberately free of behavior beyond validation and
// small derived accessors. Scheduling logic lives in the scheduler package,
// per-subtask execution in the executor package, and persistence behind the
// store package. Keeping the data model dependency-free lets every other
// package agree on one vocabulary without import cycles.
package core
