package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/Mingdididi/EnglishTeacher/internal/tutor"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress string

	AssemblyAIKey string

	OpenAIKey     string
	OpenAIModel   string
	AnalyzerModel string

	TTSProvider       string
	DeepgramKey       string
	DeepgramModel     string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	MaxTurns int
	Resume   tutor.ResumePolicy

	ICEServersJSON string
	WSAuthPassword string

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file loaded")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	assemblyAIKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - voice input falls back to text")
	}

	openAIKey := os.Getenv("OPENAI_API_KEY")
	if openAIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set - replies and analysis will not work")
	}
	openAIModel := os.Getenv("OPENAI_MODEL")
	if openAIModel == "" {
		openAIModel = "gpt-4o-mini"
	}
	analyzerModel := os.Getenv("OPENAI_ANALYZER_MODEL")
	if analyzerModel == "" {
		analyzerModel = "gpt-4o-audio-preview"
	}

	ttsProvider := os.Getenv("TTS_PROVIDER")
	if ttsProvider == "" {
		ttsProvider = "deepgram"
	}
	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if ttsProvider == "deepgram" && deepgramKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - speech synthesis will not work")
	}
	elevenKey := os.Getenv("ELEVENLABS_API_KEY")
	if ttsProvider == "elevenlabs" && elevenKey == "" {
		log.Println("Warning: ELEVENLABS_API_KEY not set - speech synthesis will not work")
	}

	maxTurns := 5
	if v := os.Getenv("MAX_TURNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Printf("Warning: invalid MAX_TURNS %q, using %d", v, maxTurns)
		} else {
			maxTurns = n
		}
	}

	iceServers := os.Getenv("ICE_SERVERS_JSON")
	if iceServers == "" {
		iceServers = `[{"urls":["stun:stun.l.google.com:19302"]}]`
	}

	log.Printf("config: HTTP_ADDRESS=%s TTS_PROVIDER=%s MAX_TURNS=%d", addr, ttsProvider, maxTurns)
	return Config{
		HTTPAddress:       addr,
		AssemblyAIKey:     assemblyAIKey,
		OpenAIKey:         openAIKey,
		OpenAIModel:       openAIModel,
		AnalyzerModel:     analyzerModel,
		TTSProvider:       ttsProvider,
		DeepgramKey:       deepgramKey,
		DeepgramModel:     os.Getenv("DEEPGRAM_TTS_MODEL"),
		ElevenLabsKey:     elevenKey,
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),
		MaxTurns:          maxTurns,
		Resume:            tutor.ParseResumePolicy(os.Getenv("RESUME_POLICY")),
		ICEServersJSON:    iceServers,
		WSAuthPassword:    os.Getenv("WS_AUTH_PASSWORD"),
		SupabaseURL:       os.Getenv("SUPABASE_URL"),
		SupabaseKey:       os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket:    os.Getenv("SUPABASE_BUCKET"),
	}
}
