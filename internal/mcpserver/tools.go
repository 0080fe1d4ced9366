package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the registry MCP server. All tools are read-only;
// descriptions are what the LLM reads to decide which tool to use.

var ToolGetQuestion = mcp.NewTool("get_question",
	mcp.WithDescription(
		"Fetch one question from the Magic8Ball registry: its asker, bounty token and amount, "+
			"the oracles allowed to answer, and the answer if one has been given."),
	mcp.WithNumber("question_id",
		mcp.Required(),
		mcp.Description("Question ID (questions are numbered from 0)")),
)

var ToolListQuestions = mcp.NewTool("list_questions",
	mcp.WithDescription(
		"List questions in ID order. Optionally restrict to one asker."),
	mcp.WithString("asker",
		mcp.Description("Only questions asked by this address (e.g. '0x1234...')")),
	mcp.WithNumber("offset",
		mcp.Description("Number of questions to skip (default 0)")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of questions to return (default 20)")),
)

var ToolCanAnswer = mcp.NewTool("can_answer",
	mcp.WithDescription(
		"Check whether an address is currently allowed to answer a question and collect its bounty. "+
			"Answered or unknown questions always return false."),
	mcp.WithNumber("question_id",
		mcp.Required(),
		mcp.Description("Question ID")),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Candidate oracle address")),
)

var ToolListEvents = mcp.NewTool("list_events",
	mcp.WithDescription(
		"Read the registry event log (QuestionAsked, QuestionAnswered, Paused, Unpaused) in order. "+
			"Pass the last seen sequence number to page forward."),
	mcp.WithNumber("after",
		mcp.Description("Return events with a sequence number greater than this (default 0)")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of events to return (default 20)")),
)

var ToolTokenBalance = mcp.NewTool("token_balance",
	mcp.WithDescription(
		"Get the balance of a bounty token held by an address. "+
			"Use the registry address to see how much is escrowed."),
	mcp.WithString("token",
		mcp.Required(),
		mcp.Description("Token contract address")),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("Holder address")),
)

var ToolRegistryStatus = mcp.NewTool("registry_status",
	mcp.WithDescription(
		"Get the registry's owner, custody address, pause state and the next question ID."),
)
