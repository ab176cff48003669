package jikan

import "encoding/json"

// envelope is the common Jikan v4 response shape. A missing data key
// marks the response as malformed and retryable.
type envelope struct {
	Data       json.RawMessage `json:"data"`
	Pagination *pagination     `json:"pagination"`
}

type pagination struct {
	HasNextPage bool `json:"has_next_page"`
	CurrentPage int  `json:"current_page"`
}

type namedEntity struct {
	Name string `json:"name"`
}

type imageSet struct {
	ImageURL      string `json:"image_url"`
	SmallImageURL string `json:"small_image_url"`
	LargeImageURL string `json:"large_image_url"`
}

type animeImages struct {
	JPG  imageSet `json:"jpg"`
	Webp imageSet `json:"webp"`
}

type trailer struct {
	YoutubeID string `json:"youtube_id"`
	URL       string `json:"url"`
	Images    struct {
		MaximumImageURL string `json:"maximum_image_url"`
		LargeImageURL   string `json:"large_image_url"`
	} `json:"images"`
}

// Anime is the Jikan v4 anime object, trimmed to the fields we map.
type Anime struct {
	MALID         int64         `json:"mal_id"`
	Title         string        `json:"title"`
	TitleEnglish  string        `json:"title_english"`
	TitleJapanese string        `json:"title_japanese"`
	Synopsis      string        `json:"synopsis"`
	Type          string        `json:"type"`
	Episodes      int           `json:"episodes"`
	Status        string        `json:"status"`
	Duration      string        `json:"duration"`
	Score         float64       `json:"score"`
	Season        string        `json:"season"`
	Year          int           `json:"year"`
	Images        animeImages   `json:"images"`
	Trailer       trailer       `json:"trailer"`
	Genres        []namedEntity `json:"genres"`
	Themes        []namedEntity `json:"themes"`
	Demographics  []namedEntity `json:"demographics"`
	Aired         struct {
		From string `json:"from"`
	} `json:"aired"`
}

// Episode is one entry of the Jikan episodes list.
type Episode struct {
	MALID    int      `json:"mal_id"` // episode number within the series
	Title    string   `json:"title"`
	Filler   bool     `json:"filler"`
	Recap    bool     `json:"recap"`
	Aired    string   `json:"aired"`
	Duration string   `json:"duration"`
	Score    *float64 `json:"score"`
}
