// Package capability assembles the tool and instruction set an agent session starts with.
//
// Sources are layered: a base set shared by every scope and an override set
// that lives inside the scope directory. Tool servers are keyed by name and an
// override entry replaces the base entry of the same name outright. Instruction
// documents are concatenated, base first. Skills are discovered from SKILL.md
// files and appended to the instructions as a catalogue.
//
// A malformed source yields a *ConfigError naming it. Callers are expected to
// log it and continue with Empty().
package capability
