package mcpserver

// ProposalFormat describes the proposal document layout that LLM consumers
// should follow when writing or editing proposals.
const ProposalFormat = `# Proposal Format

Every proposal lives under the content directory as either
` + "`" + `content/NNNNN.md` + "`" + ` or ` + "`" + `content/NNNNN/index.md` + "`" + `, where NNNNN is the
zero-padded proposal number. Only the directory layout may carry assets, in
` + "`" + `content/NNNNN/assets/` + "`" + `.

## Structure

` + "```" + `markdown
---
eip: 42                                  # REQUIRED – must equal the file number
title: Short title                       # REQUIRED – at most 44 characters
description: One sentence summary        # OPTIONAL
author: Alice Smith (@alice), Bob <bob@example.com>   # REQUIRED
discussions-to: https://example.com/t/1  # OPTIONAL – http(s) URL
status: Draft                            # REQUIRED
kind: primary                            # REQUIRED – primary | application
category: Core                           # OPTIONAL
created: 2024-05-01                      # REQUIRED – YYYY-MM-DD
requires: 1, 7                           # OPTIONAL – ascending proposal numbers
---
` + "```" + `

## Rules

1. **The preamble comes first.** The ` + "`" + `---` + "`" + ` fences open the file.
2. **Status** is one of Draft, Review, Last Call, Final, Stagnant, Withdrawn, Living.
   Status changes must follow the lifecycle: Draft → Review → Last Call → Final,
   with Stagnant and Withdrawn reachable from the open states.
3. **Category** is one of Core, Networking, Interface, ERC, Meta, Informational.
4. **Required sections** are level-2 headings, in any order:
   - primary: Abstract, Specification, Rationale, Backwards Compatibility,
     Security Considerations, Copyright
   - application: Abstract, Specification, Rationale, Security Considerations, Copyright
5. **Headings** never skip a level.
6. **Links to other proposals** use relative paths such as ` + "`" + `./00001.md` + "`" + `
   or ` + "`" + `../00007/index.md` + "`" + `; every target must exist.
7. **Assets** are referenced as ` + "`" + `./assets/name.png` + "`" + ` and every file in
   ` + "`" + `assets/` + "`" + ` should be referenced.
8. **Citations** use ` + "`" + `[@key]` + "`" + ` with keys from the repository bibliography.
   A fenced ` + "`" + `csl-json` + "`" + ` block holding one CSL item is rendered as a citation.

## Example

` + "```" + `markdown
---
eip: 7
title: Account abstraction hooks
author: Alice Smith (@alice)
status: Review
kind: application
created: 2024-05-01
requires: 1
---

## Abstract

Builds on [EIP-1](./00001.md) as argued in [@smith2020].

## Specification

![Flow](./assets/flow.svg)

## Rationale

## Security Considerations

## Copyright

Copyright and related rights waived via CC0.
` + "```" + `
`
