// Package labloop implements a self-improving extraction loop for clinical
// lab values. A language model extracts structured labs from free-text
// notes, a reflector critiques each extraction, and a curator distills the
// critiques into a versioned playbook of strategy bullets that conditions
// every later extraction.
//
// Key Components:
//
//   - playbook: The versioned store of strategy bullets. Bullets carry
//     helpful/harmful counters and are mutated only through atomic delta
//     batches; snapshots round-trip the full store state.
//
//   - extraction: The generator stage. Two sequential LLM calls extract all
//     lab mentions and then select the most recent value per test, with
//     parse-retry on malformed completions.
//
//   - reflection: The reflector stage. Judges an extraction against ground
//     truth when available, or against the extraction's own ambiguity
//     signals, and proposes insights. It never mutates the playbook.
//
//   - curation: The curator stage. Turns insights into delta ops with
//     tiered deduplication (exact, normalized, similarity-judged),
//     deprecation of harmful bullets, and a per-round growth cap.
//
//   - loop: The controller. Runs one synchronous round per note (render,
//     extract, reflect, curate, apply) and yields an immutable record per
//     round.
//
//   - history: Append-only round-record sinks (in-memory and SQLite) for
//     replay and inspection.
//
//   - evaluation: Extracts every note with and without the playbook and
//     diffs the results, including recall against reference labs.
//
//   - llm: Inference backends (Anthropic API and a local HTTP endpoint)
//     behind one Service interface, with retry on transient failures.
//
// The labloop CLI under cmd/labloop wires these together from a YAML
// config: "run" executes the learning loop, "compare" measures what the
// learned playbook buys, and "inspect" prints a snapshot.
package labloop
