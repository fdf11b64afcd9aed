package handler

// 通用响应结构
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// CreateApplicationRequest 提交资助申请请求
type CreateApplicationRequest struct {
	Title           string  `json:"title"`
	Description     string  `json:"description"`
	ApplicantWallet string  `json:"applicantWallet"`
	RequestedAmount float64 `json:"requestedAmount"`
}

// AIRejectedResponse 未通过 AI 初审的响应
type AIRejectedResponse struct {
	Success      bool        `json:"success"`
	Message      string      `json:"message"`
	AIEvaluation interface{} `json:"ai_evaluation"`
}

// ApplicationDetailResponse 申请详情
type ApplicationDetailResponse struct {
	Application interface{} `json:"application"`
	Events      interface{} `json:"events"`
}

// SignupRequest 注册请求
type SignupRequest struct {
	Name     string `json:"name" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Role     string `json:"role"`
}

// LoginRequest 登录请求
type LoginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// TokenResponse 登录/注册成功响应
type TokenResponse struct {
	Token string `json:"token"`
}
