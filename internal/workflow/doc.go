// Package workflow advances pipeline rows through their stages.
//
// The Manager runs one lane per configured stage. Each lane polls
// queue.Store.Dequeue for its stage, runs the stage handler while a heartbeat
// keeps the stage lock fresh, and records the outcome with UpdateTask. Lanes
// are independent: the image lane can work on task A while the script lane
// starts task B. Ordering between the stages of one task comes from the
// queue's gating, not from the lanes.
//
// A heartbeat that finds its lock gone cancels the stage context and the
// lane leaves the row alone, since the process that stole the lock has
// already failed it. On shutdown an interrupted row goes back to waiting.
package workflow
