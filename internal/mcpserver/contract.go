package mcpserver

// NoteFormatContract describes how notes are stored on disk and which fields
// LLM consumers may set through the tools.
const NoteFormatContract = `# Noteworthy Note Format Contract

Every note is one UTF-8 text record at ` + "`" + `notes/<id>.md` + "`" + `. Tools create and
edit notes through the engine; never write the files directly.

## Record layout

` + "```" + `markdown
---
schema: 2                              # record version, written by the engine
id: 01JB6X4N7Q0V9C3M2K8D5R1T6Y          # stable note id, assigned on create
title: "Groceries"                      # OPTIONAL, may be empty, always quoted
tags:                                   # OPTIONAL, case-folded, no duplicates
  - "home"
pinned: true                            # OPTIONAL, pinned notes list first
created: 2026-10-19T09:00:00Z
modified: 2026-10-19T09:05:00Z
deleted: 2026-10-20T08:00:00Z           # present only while in the trash
---
milk, eggs
` + "```" + `

## Rules

1. **Title is optional.** When it is empty the display title is the first
   heading of the body, or else its first non-empty line.
2. **Body** is free Markdown and is stored verbatim after the closing fence.
3. **Tags** are trimmed and case-folded (` + "`" + `Home` + "`" + ` and ` + "`" + `home` + "`" + ` are the same
   tag), at most 64 bytes, without control characters.
4. **Timestamps** are RFC 3339 in UTC and are maintained by the engine.
5. **Unknown header keys** are preserved byte-for-byte on rewrite, so other
   tools may keep their own metadata in the header.
6. **Deleting** moves a note to the trash; it is purged after the retention
   period. Every change can be undone from the editor.

## Example tool call

` + "```" + `json
{"name": "create_note", "arguments": {"title": "Weekly standup", "body": "# Action items\n- review the design doc", "tags": ["meeting-notes"]}}
` + "```" + `
`
