package prompts

// EmptyResponseNudge is sent once when the model returns neither text
// nor tool calls, giving it one more chance to answer.
const EmptyResponseNudge = "You returned an empty response. Answer the user's last message now."

// EmptyResponseFallback is returned to the user when the model stays
// silent even after the nudge.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."
