// Package flowstream runs streaming jobs with exactly-once checkpointing.
//
// A job is a directed acyclic graph of sources, operators and sinks built
// with Graph and validated by Compile. Job.Run deploys one task per vertex
// in the current process and drives the checkpoint protocol through a
// coordinator.Coordinator:
//
//   - sources inject barriers when the coordinator triggers a checkpoint
//   - every other task aligns the barriers of its inputs with a
//     barrier.Aligner, snapshots its operator, and forwards the barrier
//   - snapshots are written to a state.Backend asynchronously and
//     acknowledged in checkpoint order
//   - transactional sinks (NewTransactionalSink) pre-commit on snapshot
//     and commit once the coordinator reports the checkpoint complete
//
// When a task fails, pending checkpoints are aborted and all tasks are
// restored from the latest completed checkpoint, up to the configured
// number of restarts.
//
// # Quick Start
//
//	store := checkpoint.NewMemoryStore()
//	transactor := sink.NewMemoryTransactor[int]()
//
//	g := flowstream.NewGraph[int]().
//	    AddSource("numbers", flowstream.SliceSourceOf(1, 2, 3)).
//	    AddOperator("double", flowstream.Map(func(v int) (int, error) { return v * 2, nil })).
//	    AddSink("out", flowstream.NewTransactionalSink[int, string](store, transactor)).
//	    Connect("numbers", "double").
//	    Connect("double", "out")
//
//	jg, err := g.Compile()
//	if err != nil {
//	    return err
//	}
//	job, err := flowstream.NewJob(jg,
//	    flowstream.WithJobID("numbers"),
//	    flowstream.WithStore(store),
//	)
//	if err != nil {
//	    return err
//	}
//	err = job.Run(ctx)
//
// Bounded jobs finish once every source is exhausted: the job takes a final
// checkpoint so transactional sinks commit their last transaction, then
// shuts the tasks down.
package flowstream
