package heal

// The heal flow is sovereignty in action: cloud providers are eyes, the
// local model is the brain. Diagnosis and fix generation run on the heal
// model (local by default); search-capable cloud providers only fetch
// what the diagnosis asked for. They never choose the fix.

const diagnosePrompt = `You are analyzing an adapter failure in Aratta, a sovereignty gateway for AI providers.

Given the error details below, determine:
1. Is this a transient issue (rate limit, timeout) or a real API/schema change?
2. If it looks like an API change, what specific thing changed?
3. What search queries would find the current API documentation or changelog?

Respond in this exact JSON format:
{
    "summary": "Brief analysis of what broke",
    "likely_cause": "The specific field, path, or format that changed",
    "is_structural": true,
    "search_queries": ["query to find current API docs", "query for changelog"]
}`

const fixPrompt = `You are generating a fix for an Aratta provider adapter mapping spec.

You have:
1. The original error and diagnosis
2. Research findings from current API documentation
3. The current mapping spec (JSON: endpoint paths, auth style, finish-reason map, usage field names)

Generate the corrected mapping spec. Be conservative: only change what the
evidence supports.

Respond in this exact JSON format:
{
    "new_spec": { ...the complete corrected mapping spec... },
    "confidence": 0.0,
    "rationale": "Why this fix addresses the issue"
}`

const researchSystemPrompt = `You are a research assistant finding current API documentation. ` +
	`Search the web for the most recent information and summarize your findings. ` +
	`Focus on API changes, schema updates, and breaking changes.`
