package usercontext

// KeyUserContext is the fiber Locals key carrying the per-request UserContext.
const KeyUserContext = "USER_CONTEXT"
