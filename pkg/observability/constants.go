package observability

const (
	AttrLLMModel        = "llm.model"
	AttrLLMProvider     = "llm.provider"
	AttrLLMTokensInput  = "llm.tokens.input"
	AttrLLMTokensOutput = "llm.tokens.output"
	AttrCacheHit        = "cache.hit"
	AttrToolName        = "tool.name"
	AttrConduitProject  = "conduit.project"
	AttrConduitSession  = "conduit.session"
	AttrErrorType       = "error.type"

	SpanLLMRequest    = "conduit.llm_request"
	SpanEngineStep    = "conduit.engine_step"
	SpanToolExecution = "conduit.tool_execution"
	SpanBatchRun      = "conduit.batch_run"

	DefaultServiceName = "conduit"
)
