// Package motility implements the two-state diffusion model used to classify
// single-particle tracks.
//
// A particle alternates between state 0 ("stuck", small displacement
// standard deviation DiffusionLength0) and state 1 ("diffusive",
// DiffusionLength1). Every localization is corrupted by isotropic Gaussian
// noise of standard deviation LocalizationError. State changes follow a
// continuous-time two-state Markov process sampled at SubSteps points per
// localization interval.
//
// # Filter
//
// Model.Evaluate walks a track once, from its last localization back to the
// first, and keeps a set of hypotheses ("branches"). Each branch is one
// assignment of states to the most recent sub-steps together with a Gaussian
// belief over the true position and a running log-probability. Branches live
// in flat slices indexed by their bit-string, so the branch at index i carries
// the state history i (bit 0 is the sub-step processed last).
//
// Consuming one localization multiplies the branch count by 2^SubSteps. Once
// the count exceeds 2^WindowDepth the oldest retained bit is marginalized by
// merging the two branches that differ only in that bit, which bounds memory
// independently of track length.
//
// With predict enabled the filter also returns, for every localization, the
// posterior probability of each state.
package motility
