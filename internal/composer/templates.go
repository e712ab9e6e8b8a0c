package composer

// Instruction templates injected ahead of reply generation. Each ends
// with an explicit anti-fabrication rule block; the downstream model
// treats these as binding instructions, not as content to echo.

const highConfidencePrompt = `[CRITICAL: answer this fact accurately, fabrication forbidden]

The user is asking about a specific fact. The exact answer was found in past conversations:

Retrieved fact:
%s

Full context:
%s

Rules:
1. You must answer using the fact above, stated verbatim.
2. Never invent or alter any detail.
3. Natural phrasing around the fact is fine.`

const uncertainPrompt = `[IMPORTANT: you are not sure about this fact, hedge and confirm]

The user is asking about a specific fact. A possibly relevant memory was found, but the match is weak:

Possible answer:
%s

Context:
%s

Rules:
1. Present the answer tentatively ("I think it might have been...").
2. Explicitly invite the user to confirm or correct you.
3. Never present this as certain, and never invent extra detail.`

const notFoundPrompt = `[HIGHEST PRIORITY: you do not remember this detail, admit it, fabrication forbidden]

The user is asking about a specific fact, but nothing relevant exists in stored memory.

You must admit you do not remember:
- "I don't think you've mentioned that before. What was it?"
- "I can't quite recall. Could you remind me?"

Never fabricate any detail.`

const memoryRules = `Memory rules:
- When a clear fact is available, use it exactly as stored.
- When unsure, admit you do not remember. Fabrication is forbidden.
- Never dodge a factual question with vague wording.`
