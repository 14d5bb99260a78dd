package handlers

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/fairdata/download-service/docs"
)

// RegisterDocs serves the Swagger UI and document under /docs
func RegisterDocs(r gin.IRoutes) {
	r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
}
