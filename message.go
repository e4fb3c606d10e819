package main

const (
	MsgRunning = "Banana AI API is running"

	MsgNoFile = "No file uploaded. Please attach the banana photo in the \"file\" field."

	MsgModelUnavailable = "The detection model is not ready yet. Please try again in a moment."

	MsgInferenceFailed = "We couldn't analyse this photo. Please try again, or upload a different picture."

	MsgInternal = "Something went wrong on our side. Please try again later."

	MsgTooManyRequests = "Too many requests. Please wait a moment before uploading again."
)
