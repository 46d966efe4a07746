package gemini

// ReplyPromptTemplate wraps the user's message before it is sent to the model.
// The format string expects the message text.
const ReplyPromptTemplate = `You are a helpful AI assistant. Respond to the user's message:

%s`

// DefaultSystemInstruction is used when the configuration leaves the system
// instruction empty.
const DefaultSystemInstruction = `You are the AI assistant participant of a one-to-one chat. Reply with the message text only, in plain text, without quoting the user's message back.`
