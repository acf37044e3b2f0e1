package tracker

import "github.com/kalambet/topicimg/internal/config"

// DefaultTopics is the evaluation pool used when the catalog defines none.
var DefaultTopics = []config.EvalTopic{
	{Topic: "mountain landscape", Context: "Beautiful scenic mountain views with snow-capped peaks", Category: "nature"},
	{Topic: "data visualization", Context: "Charts and graphs showing business metrics and trends", Category: "business"},
	{Topic: "team collaboration", Context: "People working together in modern office environment", Category: "business"},
	{Topic: "artificial intelligence", Context: "Technology concepts related to AI and machine learning", Category: "technology"},
	{Topic: "sustainable energy", Context: "Solar panels, wind turbines, and renewable energy sources", Category: "environment"},
	{Topic: "urban architecture", Context: "Modern city buildings and architectural designs", Category: "architecture"},
	{Topic: "digital marketing", Context: "Online advertising, social media, and digital campaigns", Category: "marketing"},
	{Topic: "food photography", Context: "Delicious meals, ingredients, and culinary presentations", Category: "food"},
	{Topic: "fitness training", Context: "People exercising, gym equipment, and healthy lifestyle", Category: "health"},
	{Topic: "space exploration", Context: "Astronauts, rockets, planets, and cosmic imagery", Category: "science"},
	{Topic: "financial growth", Context: "Stock charts, money concepts, and investment graphics", Category: "finance"},
	{Topic: "ocean waves", Context: "Seascapes with powerful waves and marine environments", Category: "nature"},
	{Topic: "creative design", Context: "Artists working, design tools, and creative processes", Category: "creative"},
	{Topic: "remote work", Context: "Home office setups, video calls, and distributed teams", Category: "business"},
	{Topic: "medical technology", Context: "Healthcare innovations, medical devices, and research", Category: "healthcare"},
}
