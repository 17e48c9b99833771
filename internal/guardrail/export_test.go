package guardrail

// Evaluate exposes verdict evaluation for tests.
var Evaluate = evaluate
